package sanitizer

import (
	"reflect"
	"testing"
)

func TestInjectPreloadExistingEnvVar(t *testing.T) {
	env := []string{"PATH=/bin", "LD_PRELOAD=/lib/other.so"}
	args := []string{"/bin/target"}

	newEnv, newArgs := InjectPreload(env, args, "/lib/gasan.so")

	want := "LD_PRELOAD=/lib/gasan.so:/lib/other.so"
	if newEnv[1] != want {
		t.Errorf("got %q, want %q", newEnv[1], want)
	}
	if !reflect.DeepEqual(newArgs, args) {
		t.Errorf("args should be unchanged, got %v", newArgs)
	}
}

func TestInjectPreloadAlreadyPresent(t *testing.T) {
	env := []string{"LD_PRELOAD=/lib/gasan.so"}
	newEnv, _ := InjectPreload(env, nil, "/lib/gasan.so")
	if newEnv[0] != "LD_PRELOAD=/lib/gasan.so" {
		t.Errorf("expected no duplicate entry, got %q", newEnv[0])
	}
}

func TestInjectPreloadArgStyle(t *testing.T) {
	args := []string{"-E", "LD_PRELOAD=/lib/other.so", "/bin/target"}
	_, newArgs := InjectPreload(nil, args, "/lib/gasan.so")

	want := "LD_PRELOAD=/lib/gasan.so:/lib/other.so"
	if newArgs[1] != want {
		t.Errorf("got %q, want %q", newArgs[1], want)
	}
}

func TestInjectPreloadNoExistingEntry(t *testing.T) {
	args := []string{"/bin/target"}
	newEnv, newArgs := InjectPreload(nil, args, "/lib/gasan.so")

	if len(newEnv) != 0 {
		t.Errorf("expected no env entries added, got %v", newEnv)
	}
	want := []string{"/bin/target", "-E", "LD_PRELOAD=/lib/gasan.so"}
	if !reflect.DeepEqual(newArgs, want) {
		t.Errorf("got %v, want %v", newArgs, want)
	}
}
