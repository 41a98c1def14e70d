package config

import (
	"path/filepath"
)

// Paths derives the filesystem layout under the data directory.
type Paths struct {
	Root string
}

// PathsFor returns the layout rooted at s.DataPath.
func (s Settings) PathsFor() Paths {
	return Paths{Root: s.DataPath}
}

// Samples is the directory holding one sample_<id> directory per sample.
func (p Paths) Samples() string { return filepath.Join(p.Root, "samples") }

// Sample returns the directory of one sample.
func (p Paths) Sample(id string) string { return filepath.Join(p.Samples(), "sample_"+id) }

// Analysis returns the working directory of an analysis.
func (p Paths) Analysis(sampleID, analysisID string) string {
	return filepath.Join(p.Sample(sampleID), "analysis", analysisID)
}

// References is the directory holding one directory per reference.
func (p Paths) References() string { return filepath.Join(p.Root, "references") }

// Reference returns the directory holding a reference's index directories.
func (p Paths) Reference(refID string) string { return filepath.Join(p.References(), refID) }

// Index returns the directory of one built index.
func (p Paths) Index(refID, indexID string) string {
	return filepath.Join(p.Reference(refID), indexID)
}

// Files is the default root for the filesystem blob driver.
func (p Paths) Files() string { return filepath.Join(p.Root, "files") }
