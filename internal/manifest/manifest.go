package manifest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Source is the narrow capability shared by all manifest shapes: raw bytes
// plus a display name for error messages.
type Source interface {
	Bytes() ([]byte, error)
	Name() string
}

// File is a manifest stored in the manifest directory, optionally pinned to
// an upstream tag.
type File struct {
	Dir  string
	Base string
	Tag  string
}

// NewFile creates a manifest file reference for <dir>/<base>.xml
func NewFile(dir, base, tag string) File {
	return File{Dir: dir, Base: base, Tag: tag}
}

// Path returns the on-disk location of the manifest.
func (f File) Path() string {
	return filepath.Join(f.Dir, f.Base+".xml")
}

// Name returns the display name used in error messages.
func (f File) Name() string {
	return f.Base + ".xml"
}

// Bytes reads the manifest content from disk.
func (f File) Bytes() ([]byte, error) {
	data, err := os.ReadFile(f.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Name(), err)
	}
	return data, nil
}

// Revision returns the symbolic tag ref for pinned manifests, or "" when the
// manifest is not pinned to a tag.
func (f File) Revision() string {
	if f.Tag == "" {
		return ""
	}
	return "refs/tags/" + f.Tag
}

// ByteSource is an in-memory manifest, e.g. one just downloaded.
type ByteSource struct {
	Data  []byte
	Label string
}

func (b ByteSource) Bytes() ([]byte, error) { return b.Data, nil }
func (b ByteSource) Name() string           { return b.Label }

// Document is the parsed form of a repo-style XML manifest.
type Document struct {
	XMLName  xml.Name  `xml:"manifest"`
	Remotes  []Remote  `xml:"remote"`
	Default  *Default  `xml:"default"`
	Projects []Project `xml:"project"`
}

// Remote declares a named upstream location in a manifest.
type Remote struct {
	Name     string `xml:"name,attr"`
	Fetch    string `xml:"fetch,attr,omitempty"`
	Revision string `xml:"revision,attr,omitempty"`
}

// Default declares manifest-wide fallbacks for project attributes.
type Default struct {
	Remote   string `xml:"remote,attr,omitempty"`
	Revision string `xml:"revision,attr,omitempty"`
}

// Project is one repository entry: its upstream name and local path.
type Project struct {
	Name       string `xml:"name,attr"`
	Path       string `xml:"path,attr,omitempty"`
	Remote     string `xml:"remote,attr,omitempty"`
	Revision   string `xml:"revision,attr,omitempty"`
	CloneDepth string `xml:"clone-depth,attr,omitempty"`
}

// Parse decodes a manifest document from a source.
func Parse(src Source) (*Document, error) {
	data, err := src.Bytes()
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", src.Name(), err)
	}
	return &doc, nil
}

// Repos returns the path -> upstream-name mapping of a manifest. Projects
// without both attributes are skipped; paths are unique within one manifest.
func Repos(src Source) (map[string]string, error) {
	doc, err := Parse(src)
	if err != nil {
		return nil, err
	}
	repos := make(map[string]string, len(doc.Projects))
	for _, p := range doc.Projects {
		if p.Path == "" || p.Name == "" {
			continue
		}
		repos[p.Path] = p.Name
	}
	return repos, nil
}

// Transform rewrites an upstream manifest for local tracking: only project
// entries survive, each stripped down to name, path and clone-depth, pointed
// at the given remote. Clone depth is clamped to 1, and repositories whose
// upstream name starts with one of shallowPrefixes are shallow-cloned even
// when upstream does not say so.
func Transform(doc *Document, remoteName string, shallowPrefixes []string) *Document {
	out := &Document{}
	for _, p := range doc.Projects {
		project := Project{
			Name:       p.Name,
			Path:       p.Path,
			Remote:     remoteName,
			CloneDepth: p.CloneDepth,
		}
		if project.CloneDepth != "" {
			project.CloneDepth = "1"
		}
		for _, prefix := range shallowPrefixes {
			if strings.HasPrefix(p.Name, prefix) {
				project.CloneDepth = "1"
				break
			}
		}
		out.Projects = append(out.Projects, project)
	}
	return out
}

// BumpRemoteRevision updates the revision attribute of every <remote> entry
// named remoteName in the manifest at f, writing the file back in place.
// Entries without an existing revision attribute are left alone. Returns
// whether anything changed.
//
// The manifest is edited token by token: comments, unknown elements and
// unknown attributes pass through untouched. The default manifest is
// hand-maintained, so everything but the one attribute must survive.
func BumpRemoteRevision(f File, remoteName, revision string) (bool, error) {
	data, err := f.Bytes()
	if err != nil {
		return false, err
	}

	var out bytes.Buffer
	dec := xml.NewDecoder(bytes.NewReader(data))
	enc := xml.NewEncoder(&out)
	changed := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("failed to parse %s: %w", f.Name(), err)
		}
		if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "remote" {
			var name, rev string
			for _, attr := range start.Attr {
				switch attr.Name.Local {
				case "name":
					name = attr.Value
				case "revision":
					rev = attr.Value
				}
			}
			if name == remoteName && rev != "" && rev != revision {
				for i := range start.Attr {
					if start.Attr[i].Name.Local == "revision" {
						start.Attr[i].Value = revision
					}
				}
				changed = true
			}
			tok = start
		}
		if err := enc.EncodeToken(tok); err != nil {
			return false, fmt.Errorf("failed to rewrite %s: %w", f.Name(), err)
		}
	}
	if err := enc.Flush(); err != nil {
		return false, fmt.Errorf("failed to rewrite %s: %w", f.Name(), err)
	}

	if !changed {
		return false, nil
	}
	if err := os.WriteFile(f.Path(), out.Bytes(), 0644); err != nil {
		return false, fmt.Errorf("failed to write manifest %s: %w", f.Path(), err)
	}
	return true, nil
}

// Write serializes a manifest document to path, truncating any existing file.
func Write(doc *Document, path string) error {
	var sb strings.Builder
	sb.WriteString(xml.Header)
	enc := xml.NewEncoder(&sb)
	enc.Indent("", "    ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}
	sb.WriteString("\n")
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}
