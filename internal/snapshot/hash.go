package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/JonMunkholm/sheetnorm/internal/manifest"
)

// IDLength is the number of hex characters of a snapshot id.
const IDLength = 16

// defaultExclude is always applied on top of build.exclude.
var defaultExclude = []string{".git/**", ".sheetnorm/**", "**/__pycache__/**", "**/.DS_Store"}

// Hashes identifies the inputs of a snapshot.
//
// Content covers the manifest's canonical encoding and every included file.
// Dependency covers the dependency files, the build command and the runtime
// command. Either changing produces a different snapshot id.
type Hashes struct {
	Content    string `json:"content_hash"`
	Dependency string `json:"dependency_hash"`
}

// ID derives the snapshot id from both hashes.
func (h Hashes) ID() string {
	sum := sha256.Sum256([]byte(h.Content + ":" + h.Dependency))
	return hex.EncodeToString(sum[:])[:IDLength]
}

// writeField writes a length-prefixed component so that adjacent components
// can never be confused ("ab"+"c" vs "a"+"bc").
func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// PackageFiles lists the package-relative, slash-separated paths of the files
// that belong in a snapshot, sorted.
func PackageFiles(dir string, m *manifest.Manifest) ([]string, error) {
	include := m.Build.Include
	if len(include) == 0 {
		include = []string{"**"}
	}
	exclude := append(append([]string{}, defaultExclude...), m.Build.Exclude...)
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob %q", p)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchAny(exclude, rel) || !matchAny(include, rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list package files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// ComputeHashes hashes a package directory. files must come from PackageFiles.
func ComputeHashes(dir string, m *manifest.Manifest, files []string) (Hashes, error) {
	canonical, err := json.Marshal(m)
	if err != nil {
		return Hashes{}, fmt.Errorf("encode manifest: %w", err)
	}

	content := sha256.New()
	writeField(content, []byte("manifest"))
	writeField(content, canonical)
	for _, rel := range files {
		if isManifestFile(rel) {
			// covered by the canonical encoding above
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return Hashes{}, fmt.Errorf("hash %s: %w", rel, err)
		}
		writeField(content, []byte(rel))
		writeField(content, data)
	}

	deps := append([]string{}, m.Build.Dependencies...)
	sort.Strings(deps)
	dependency := sha256.New()
	for _, rel := range deps {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return Hashes{}, fmt.Errorf("dependency %s: %w", rel, err)
		}
		writeField(dependency, []byte(rel))
		writeField(dependency, data)
	}
	writeField(dependency, []byte("build:"+m.Build.Command))
	writeField(dependency, []byte("runtime:"+m.Engine.Runtime.Command))

	return Hashes{
		Content:    hex.EncodeToString(content.Sum(nil)),
		Dependency: hex.EncodeToString(dependency.Sum(nil)),
	}, nil
}

func isManifestFile(rel string) bool {
	for _, name := range manifest.FileNames {
		if rel == name {
			return true
		}
	}
	return false
}
