package main

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/zette-dev/forge/internal/config"
)

func TestWorkspaceDirs(t *testing.T) {
	ws := config.WorkspacesConfig{
		BasePath: "/srv/work",
		Default:  "home",
		ChatMap: map[string]string{
			"111": "proj-a",
			"222": "proj-b",
			"333": "home", // duplicate of the default
		},
	}

	got := workspaceDirs(ws)
	want := []string{
		filepath.Join("/srv/work", "home"),
		filepath.Join("/srv/work", "proj-a"),
		filepath.Join("/srv/work", "proj-b"),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("workspaceDirs = %v, want %v", got, want)
	}
}

func TestWorkspaceDirs_Empty(t *testing.T) {
	if got := workspaceDirs(config.WorkspacesConfig{BasePath: "/srv/work"}); len(got) != 0 {
		t.Errorf("no configured workspaces should yield no dirs, got %v", got)
	}
}
