package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("parse default: %v", err)
	}
	ch, err := cfg.Chain("")
	if err != nil {
		t.Fatalf("default chain: %v", err)
	}
	if ch.ID != 134 || ch.Name != "bellecour" || ch.Book == "" {
		t.Fatalf("unexpected default chain %+v", ch)
	}
	dev, err := cfg.Chain("65535")
	if err != nil || dev.Name != "dev" || dev.Hub == "" {
		t.Fatalf("chain by id: %+v %v", dev, err)
	}
}

func TestValidateRejectsBadChains(t *testing.T) {
	cases := map[string]string{
		"missing id":       "chains:\n  custom:\n    hub: 0x01\n    book: http://x\n",
		"missing book":     "chains:\n  custom:\n    id: 7\n    hub: 0x01\n",
		"unknown default":  "default_chain: nope\nchains:\n  custom:\n    id: 7\n    hub: 0x01\n    book: http://x\n",
		"duplicated chain": "chains:\n  a:\n    id: 7\n    hub: 0x01\n    book: http://x\n  b:\n    id: 7\n    hub: 0x01\n    book: http://y\n",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestBuiltinChainsAreFreshCopies(t *testing.T) {
	a := BuiltinChains()
	ch := a["bellecour"]
	ch.Book = "http://tampered"
	a["bellecour"] = ch
	if BuiltinChains()["bellecour"].Book == "http://tampered" {
		t.Fatalf("builtin chains leaked mutation")
	}
}

func TestDeployedAddressAndSave(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Deployed.App = map[string]string{"134": "0x1a69b2EB604dB8eBa185dF03ea4F5288dcbbD248"}
	if err := Save(dir, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marketline.yml")); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	addr, ok := loaded.Deployed.Address("app", 134)
	if !ok || addr != "0x1a69b2EB604dB8eBa185dF03ea4F5288dcbbD248" {
		t.Fatalf("deployed app = %q %v", addr, ok)
	}
	if _, ok := loaded.Deployed.Address("dataset", 134); ok {
		t.Fatalf("unexpected dataset")
	}
}
