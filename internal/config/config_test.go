package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.SampleGroup != SampleGroupNone || !s.SampleAllRead || s.SampleAllWrite {
		t.Fatalf("unexpected sample defaults: %+v", s)
	}
	if s.Tools.Skewer != "skewer" || s.Tools.LDLibraryPath == "" {
		t.Fatalf("unexpected tool defaults: %+v", s.Tools)
	}
	if a, ok := s.AlgorithmFor("nuvs"); !ok || a.Command[0] != "nuvs" {
		t.Fatalf("expected nuvs algorithm defaults, got %+v", a)
	}
	if _, ok := s.AlgorithmFor("missing"); ok {
		t.Fatalf("unexpected algorithm")
	}
	if s.Storage.Driver != "sqlite" || s.Blob.Driver != "fs" {
		t.Fatalf("unexpected backend defaults: %+v %+v", s.Storage, s.Blob)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "virtool.yaml")
	body := "data_path: /srv/virtool\nsample_group: force_choice\njobs:\n  workers: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VIRTOOL_SAMPLE_ALL_WRITE", "true")
	t.Setenv("VIRTOOL_STORAGE_DRIVER", "memory")

	s, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DataPath != "/srv/virtool" || s.SampleGroup != SampleGroupForceChoice || s.Jobs.Workers != 5 {
		t.Fatalf("file values not applied: %+v", s)
	}
	if !s.SampleAllWrite || s.Storage.Driver != "memory" {
		t.Fatalf("environment overrides not applied: %+v", s)
	}
}

func TestLoadFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("data_path", "", "")
	if err := flags.Parse([]string{"--data_path", "/tmp/flagged"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	s, err := Load("", flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.DataPath != "/tmp/flagged" {
		t.Fatalf("expected flag value, got %q", s.DataPath)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Settings{
		"bad group":   {DataPath: "d", SampleGroup: "nope", Jobs: Jobs{Workers: 1}, ExecutorSize: 1},
		"no data":     {SampleGroup: SampleGroupNone, Jobs: Jobs{Workers: 1}, ExecutorSize: 1},
		"no workers":  {DataPath: "d", SampleGroup: SampleGroupNone, ExecutorSize: 1},
		"no executor": {DataPath: "d", SampleGroup: SampleGroupNone, Jobs: Jobs{Workers: 1}},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			if err := s.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
			t.Fatalf("expected read error")
		}
	})
}

func TestPaths(t *testing.T) {
	p := Settings{DataPath: "/data"}.PathsFor()
	cases := map[string]string{
		p.Sample("abc"):          "/data/samples/sample_abc",
		p.Analysis("abc", "an1"): "/data/samples/sample_abc/analysis/an1",
		p.Index("ref", "idx"):    "/data/references/ref/idx",
		p.Files():                "/data/files",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}
