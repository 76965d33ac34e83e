package config

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := ReadConfig(&buf)
	if err != nil {
		t.Fatalf("default configuration does not parse: %v", err)
	}
	if c.PageCacheSize != DefaultPageCacheSize {
		t.Errorf("page-cache-size = %d, want %d", c.PageCacheSize, DefaultPageCacheSize)
	}
	if c.MaxSearchResults != DefaultMaxSearchResults {
		t.Errorf("max-search-results = %d, want %d", c.MaxSearchResults, DefaultMaxSearchResults)
	}
	if c.DisassembleFlavor != "intel" || c.Arch != "amd64" {
		t.Errorf("unexpected defaults %q %q", c.DisassembleFlavor, c.Arch)
	}
}

func TestReadConfigOverrides(t *testing.T) {
	c, err := ReadConfig(strings.NewReader(`
page-cache-size: 4
max-page-records: 16
arch: "386"
aliases:
  regs: ["r"]
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.PageCacheSize != 4 || c.MaxPageRecords != 16 || c.Arch != "386" {
		t.Fatalf("overrides not applied: %#v", c)
	}
	if len(c.Aliases["regs"]) != 1 || c.Aliases["regs"][0] != "r" {
		t.Fatalf("aliases not loaded: %#v", c.Aliases)
	}
	if c.DumpReleaseThreshold != DefaultDumpReleaseThreshold {
		t.Fatalf("default not filled: %d", c.DumpReleaseThreshold)
	}
}

func TestReadConfigBadYAML(t *testing.T) {
	if _, err := ReadConfig(strings.NewReader("page-cache-size: [")); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
