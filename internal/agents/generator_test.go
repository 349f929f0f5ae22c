package agents

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectAlgorithmLongestMatch(t *testing.T) {
	tests := []struct {
		request string
		want    string
	}{
		{"implement a binary search tree in c++", "binary search tree"},
		{"write binary search over a sorted list", "binary search"},
		{"please write merge sort", "merge sort"},
		{"fix the login handler", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectAlgorithm(tt.request), tt.request)
	}
}

func TestDetectLanguageExt(t *testing.T) {
	assert.Equal(t, ".cpp", detectLanguageExt("implement quick sort in C++"))
	assert.Equal(t, ".py", detectLanguageExt("implement quick sort in Python"))
	assert.Equal(t, ".py", detectLanguageExt("implement quick sort"))
	assert.Equal(t, ".rs", detectLanguageExt("a rust version please"))
	assert.Equal(t, ".ts", detectLanguageExt("typescript helper"))
}

func TestFixFilePath(t *testing.T) {
	// No algorithm: path untouched.
	assert.Equal(t, "src/app.py", fixFilePath("src/app.py", "", ".py"))

	// Wrong path replaced with the algorithm slug.
	assert.Equal(t, "merge_sort.py", fixFilePath("src/app.py", "merge sort", ".py"))

	// Path already naming the algorithm survives.
	assert.Equal(t, "lib/merge_sort.cpp", fixFilePath("lib/merge_sort.cpp", "merge sort", ".cpp"))
}

func TestFixCppNamespace(t *testing.T) {
	code := "#include <iostream>\n#include <vector>\nint main() {\n    cout << 1;\n}\n"

	fixed := fixCppNamespace("merge_sort.cpp", code)
	require.Contains(t, fixed, "using namespace std;")

	lines := strings.Split(fixed, "\n")
	var nsIdx, lastIncludeIdx int
	for i, line := range lines {
		if strings.HasPrefix(line, "#include") {
			lastIncludeIdx = i
		}
		if strings.Contains(line, "using namespace std;") {
			nsIdx = i
		}
	}
	assert.Greater(t, nsIdx, lastIncludeIdx)

	// Already present: unchanged.
	assert.Equal(t, fixed, fixCppNamespace("merge_sort.cpp", fixed))

	// Non-C++ files untouched.
	py := "import os\nprint('x')\n"
	assert.Equal(t, py, fixCppNamespace("script.py", py))
}

func TestValidGeneratedTests(t *testing.T) {
	assert.True(t, validGeneratedTests("import pytest\n\ndef test_sorts():\n    assert merge_sort([2,1]) == [1,2]\n"))
	assert.False(t, validGeneratedTests("test code here"))
	assert.False(t, validGeneratedTests(""))
	assert.False(t, validGeneratedTests("short"))
	assert.False(t, validGeneratedTests("this is a long explanation of the tests without any real content"))
}

func TestIsComplexRequest(t *testing.T) {
	assert.True(t, isComplexRequest("refactor the session layer"))
	assert.True(t, isComplexRequest("this change spans multiple files"))
	assert.True(t, isComplexRequest("add a database migration"))
	assert.False(t, isComplexRequest("rename a variable"))
}
