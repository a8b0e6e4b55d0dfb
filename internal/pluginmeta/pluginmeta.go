// Package pluginmeta reads the metadata a plugin declares in the header
// comment of its main file.
package pluginmeta

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
	"github.com/spf13/afero"
)

// headerBytes is how much of the main file is searched for header fields.
const headerBytes = 8 * 1024

var (
	nameRe    = headerField("Plugin Name")
	versionRe = headerField("Version")
)

// headerField matches "<field>: value" on a comment line, in any case.
func headerField(field string) *regexp.Regexp {
	return regexp.MustCompile(`(?mi)^(?:[ \t]*<\?php)?[ \t/*#@]*` + regexp.QuoteMeta(field) + `:(.*)$`)
}

// Data is the declared metadata of one plugin.
type Data struct {
	Plugin  string
	Name    string
	Version string
}

// DisplayName is the declared name, or the identifier when none is declared.
func (d Data) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Plugin
}

// SemVer parses the declared version. It returns nil when the version is
// missing or not parseable.
func (d Data) SemVer() *version.Version {
	if d.Version == "" {
		return nil
	}
	v, err := version.NewVersion(d.Version)
	if err != nil {
		return nil
	}
	return v
}

// Downgraded reports whether to is an older version than from. Unknown
// versions compare as not downgraded.
func Downgraded(from, to Data) bool {
	f, t := from.SemVer(), to.SemVer()
	if f == nil || t == nil {
		return false
	}
	return t.LessThan(f)
}

// Reader reads plugin headers below a plugins root.
type Reader struct {
	fs   afero.Fs
	root string
}

// NewReader creates a Reader for plugins under root.
func NewReader(fs afero.Fs, root string) *Reader {
	return &Reader{fs: fs, root: filepath.Clean(root)}
}

// Read parses the header of the plugin's main file, such as "foo/foo.php".
func (r *Reader) Read(plugin string) (Data, error) {
	p := filepath.Join(r.root, filepath.FromSlash(plugin))
	if !strings.HasPrefix(p, r.root+string(filepath.Separator)) {
		return Data{}, fmt.Errorf("plugin %q resolves outside %s", plugin, r.root)
	}

	f, err := r.fs.Open(p)
	if err != nil {
		return Data{}, fmt.Errorf("open plugin file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, headerBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Data{}, fmt.Errorf("read plugin header: %w", err)
	}
	return Parse(plugin, buf[:n]), nil
}

// Parse extracts header fields from the start of a plugin's main file.
func Parse(plugin string, header []byte) Data {
	text := strings.ReplaceAll(string(header), "\r", "\n")
	return Data{
		Plugin:  plugin,
		Name:    match(nameRe, text),
		Version: match(versionRe, text),
	}
}

func match(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return cleanup(m[1])
}

// cleanup trims whitespace and a trailing comment close from a header value.
func cleanup(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimSuffix(s, "*/"))
	s = strings.TrimSpace(strings.TrimSuffix(s, "?>"))
	return s
}
