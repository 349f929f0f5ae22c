package repo

import (
	"fmt"
	"regexp"
)

var (
	httpsURLRe = regexp.MustCompile(`^https://github\.com/([\w\-.]+)/([\w\-.]+?)(?:\.git)?$`)
	sshURLRe   = regexp.MustCompile(`^git@github\.com:([\w\-.]+)/([\w\-.]+?)(?:\.git)?$`)
)

// ParseRepoURL extracts (owner, name) from a hosted repository URL in HTTPS
// or SSH form.
func ParseRepoURL(url string) (owner, name string, err error) {
	if m := httpsURLRe.FindStringSubmatch(url); m != nil {
		return m[1], m[2], nil
	}
	if m := sshURLRe.FindStringSubmatch(url); m != nil {
		return m[1], m[2], nil
	}
	return "", "", fmt.Errorf("%w: could not parse repository URL: %s", ErrClone, url)
}
