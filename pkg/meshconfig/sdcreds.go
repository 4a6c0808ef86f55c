package meshconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sdcreds expands systemd credentials in v (prefixed by "@") according to
// tag, which consists of a mode followed by optional flags.
//
// Mode:
//   - (none): return the original value
//   - load: read the cred contents
//
// Args:
//   - trimspace (load): trim leading/trailing whitespace from the cred value
func sdcreds(v string, tag string) (string, error) {
	if tag == "" {
		return v, nil
	}

	var load bool
	var trimspace bool

	mode, args, _ := strings.Cut(tag, ",")
	switch mode {
	case "load":
		load = true
	default:
		return "", fmt.Errorf("invalid struct tag %q", mode)
	}
	for _, arg := range strings.Split(args, ",") {
		switch {
		case load && arg == "trimspace":
			trimspace = true
		case arg == "":
		default:
			return "", fmt.Errorf("invalid struct tag %q arg %q", mode, arg)
		}
	}

	if len(v) == 0 || v[0] != '@' {
		return v, nil
	}
	if !load {
		return v, nil
	}

	crd := os.Getenv("CREDENTIALS_DIRECTORY")
	if crd == "" {
		return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY env var not set", v)
	}
	if !filepath.IsAbs(crd) {
		return "", fmt.Errorf("expand %q: systemd CREDENTIALS_DIRECTORY=%q env var is not an absolute path", v, crd)
	}

	cred := v[1:]
	if strings.Contains(cred, "/") || strings.Contains(cred, string(filepath.Separator)) {
		return "", fmt.Errorf("expand %q: invalid credential name %q", v, cred)
	}
	pt := filepath.Join(crd, cred)
	buf, err := os.ReadFile(pt)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, fmt.Errorf("expand %q: no such credential %q", v, filepath.Base(pt))
		}
		return v, fmt.Errorf("expand %q: read credential %q: %w", v, filepath.Base(pt), err)
	}
	if trimspace {
		buf = bytes.TrimSpace(buf)
	}
	return string(buf), nil
}
