// Package locationmapper resolves a Source URI to a local directory or
// file path: the entry with the longest matching base
// URI prefix wins, ties broken by declaration order.
package locationmapper

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// entry is one line of the backing file, in declaration order.
type entry struct {
	baseURI string
	dest    string
}

// DestinationMap is an ordered URI-prefix -> local-directory resolver. It
// is a plain value constructed fresh by the Runner at the top of each
// cycle rather than a process-wide singleton.
type DestinationMap struct {
	entries    []entry
	rootFolder string
}

// New builds a DestinationMap from parsed mapping lines. Trailing slashes
// on URIs are normalized away.
func New(mappings map[string]string, order []string, rootFolder string) *DestinationMap {
	m := &DestinationMap{rootFolder: rootFolder}
	for _, uri := range order {
		m.entries = append(m.entries, entry{baseURI: strings.TrimSuffix(uri, "/"), dest: mappings[uri]})
	}
	return m
}

// FindDestination resolves uri to the directory it should be mirrored
// under. If no map entry matches, defaultDest is used if
// non-empty; otherwise, if useHost is true, the URI's host becomes the
// directory name. A relative destination is rebased under the configured
// root folder, and infix, if non-empty, is appended as a final path
// segment.
func (m *DestinationMap) FindDestination(uri string, defaultDest string, useHost bool, infix string) (baseURI string, localDir string, ok bool) {
	baseURI, dest, matched := m.longestPrefixMatch(uri)
	if !matched {
		if defaultDest != "" {
			dest = defaultDest
		} else if useHost {
			dest = hostDir(uri)
		} else {
			return baseURI, "", false
		}
	}

	return baseURI, m.rebase(dest, infix), true
}

// FindLocalPath is FindDestination plus preserving uri's suffix beneath
// the matched base, producing the absolute local path for a specific
// resource. When useHost is true, the suffix begins
// after scheme://host.
func (m *DestinationMap) FindLocalPath(uri string, defaultDest string, useHost bool, infix string) (baseURI string, localPath string, ok bool) {
	baseURI, dest, matched := m.longestPrefixMatch(uri)

	var suffix string
	if matched {
		suffix = strings.TrimPrefix(uri, baseURI)
	} else if defaultDest != "" {
		dest = defaultDest
		suffix = strings.TrimPrefix(uri, baseURI)
	} else if useHost {
		dest = hostDir(uri)
		suffix = suffixAfterHost(uri)
	} else {
		return baseURI, "", false
	}

	dir := m.rebase(dest, infix)
	return baseURI, filepath.Join(dir, filepath.FromSlash(suffix)), true
}

// longestPrefixMatch iteratively strips the last path segment of uri,
// looking up each shortened form in the map, so the longest declared
// prefix wins.
func (m *DestinationMap) longestPrefixMatch(uri string) (baseURI string, dest string, ok bool) {
	candidate := strings.TrimSuffix(uri, "/")
	for {
		if e, found := m.lookup(candidate); found {
			return e.baseURI, e.dest, true
		}

		shortened, done := shorten(candidate)
		if done {
			return candidate, "", false
		}
		candidate = shortened
	}
}

// lookup returns the first entry (declaration order) whose baseURI equals
// candidate, and among same-length candidates, a longer original prefix is
// already preferred by the caller trying longer candidates first.
func (m *DestinationMap) lookup(candidate string) (entry, bool) {
	for _, e := range m.entries {
		if e.baseURI == candidate {
			return e, true
		}
	}
	return entry{}, false
}

// shorten strips the last path segment from uri. done is true once the
// path is already empty/root and no further stripping is possible.
func shorten(uri string) (shortened string, done bool) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", true
	}
	if u.Path == "" || u.Path == "/" {
		return "", true
	}

	newPath := path.Dir(u.Path)
	if newPath == "/" || newPath == "." {
		newPath = ""
	}
	u.Path = newPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), false
}

func (m *DestinationMap) rebase(dest string, infix string) string {
	if dest == "" {
		return ""
	}
	if infix != "" {
		dest = filepath.Join(dest, infix)
	}
	if filepath.IsAbs(dest) {
		return dest
	}
	return filepath.Join(m.rootFolder, dest)
}

func hostDir(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}

func suffixAfterHost(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Path
}
