// Package versioninfo reads the version.json document the deploy pipeline
// drops next to the binary. The document is served verbatim by the
// __version__ endpoint and its commit feeds the Sentry release tag.
package versioninfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileName is the document's name, resolved relative to the binary unless
// an explicit path is configured.
const FileName = "version.json"

// Info mirrors the deploy pipeline's version document.
type Info struct {
	Commit  string `json:"commit"`
	Version string `json:"version"`
	Source  string `json:"source"`
	Build   string `json:"build"`
}

// Load reads the version document from path. An empty path resolves to
// version.json next to the running binary. A missing file is not an
// error; it yields an empty Info so __version__ serves "{}".
func Load(path string) (Info, error) {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return Info{}, fmt.Errorf("locating binary: %w", err)
		}
		path = filepath.Join(filepath.Dir(exe), FileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, nil
		}
		return Info{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return info, nil
}

// JSON renders the document for the __version__ endpoint. Zero fields are
// omitted so an absent file serves "{}".
func (i Info) JSON() []byte {
	doc := map[string]string{}
	if i.Commit != "" {
		doc["commit"] = i.Commit
	}
	if i.Version != "" {
		doc["version"] = i.Version
	}
	if i.Source != "" {
		doc["source"] = i.Source
	}
	if i.Build != "" {
		doc["build"] = i.Build
	}
	out, _ := json.Marshal(doc)
	return out
}
