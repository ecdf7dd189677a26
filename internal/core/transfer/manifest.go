package transfer

import (
	"bufio"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// Manifest maps a slash-separated relative path to the key of its entry:
// digest and permission bits for a regular file, target for a symbolic link.
// Entries with equal keys need no transfer.
type Manifest map[string]string

// FileKey is the manifest key of a regular file.
func FileKey(digest string, mode fs.FileMode) string {
	return fmt.Sprintf("%s %o", digest, mode.Perm())
}

// LinkKey is the manifest key of a symbolic link.
func LinkKey(target string) string {
	return "-> " + target
}

// ParseManifest parses the remote listing, which mixes three kinds of lines:
//
//	<digest>  ./<path>      sha256sum output
//	mode <octal> <path>     permission bits of a regular file
//	link <path>\t<target>   symbolic link
//
// A file without a mode line keys on its bare digest, which never equals a
// local key, so it is sent again. Other lines are skipped.
func ParseManifest(output string) Manifest {
	digests := map[string]string{}
	modes := map[string]fs.FileMode{}
	m := Manifest{}

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "mode "); ok {
			octal, path, ok := strings.Cut(rest, " ")
			if !ok {
				continue
			}
			v, err := strconv.ParseUint(octal, 8, 32)
			if err != nil {
				continue
			}
			if path = cleanPath(path); path != "" {
				modes[path] = fs.FileMode(v).Perm()
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "link "); ok {
			path, target, ok := strings.Cut(rest, "\t")
			if path = cleanPath(path); ok && path != "" {
				m[path] = LinkKey(target)
			}
			continue
		}
		if len(line) < 66 {
			continue
		}
		digest, rest := line[:64], line[64:]
		if !isHex(digest) {
			continue
		}
		if path := cleanPath(strings.TrimLeft(rest, " *")); path != "" {
			digests[path] = digest
		}
	}

	for path, digest := range digests {
		if mode, ok := modes[path]; ok {
			m[path] = FileKey(digest, mode)
		} else {
			m[path] = digest
		}
	}
	return m
}

// Diff returns, sorted, the paths of local that are missing from remote or
// whose key differs.
func Diff(local, remote Manifest) []string {
	var changed []string
	for path, key := range local {
		if remote[path] != key {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

func cleanPath(path string) string {
	return strings.TrimPrefix(path, "./")
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
