package main

import (
	"strings"
	"testing"
)

func TestRenderServiceFillsEveryPlaceholder(t *testing.T) {
	out := renderService(systemdTemplate, map[string]string{
		"EXEC":   "/usr/local/bin/chatguard",
		"CONFIG": "/home/u/.chatguard/config.json",
	})
	if strings.Contains(out, "{{") {
		t.Fatalf("unfilled placeholder in:\n%s", out)
	}
	if !strings.Contains(out, "ExecStart=/usr/local/bin/chatguard serve --config /home/u/.chatguard/config.json") {
		t.Errorf("unexpected ExecStart in:\n%s", out)
	}

	plist := renderService(launchdTemplate, map[string]string{
		"LABEL": launchdLabel, "EXEC": "/bin/cg", "CONFIG": "/c.json", "LOG": "/l", "ERR_LOG": "/e",
	})
	if strings.Contains(plist, "{{") {
		t.Fatalf("unfilled placeholder in:\n%s", plist)
	}
	if !strings.Contains(plist, "<string>serve</string>") {
		t.Error("expected serve argument")
	}
}
