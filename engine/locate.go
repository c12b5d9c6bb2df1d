package engine

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	iface "github.com/RocketWill/ByteWhisperer/interface"
)

const maxAscend = 10

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// searchDirs lists where a backend directory may live: next to the
// executable, the working directory, their .dist children and ascending
// parents of both.
func searchDirs(backendDir string) []string {
	if filepath.IsAbs(backendDir) {
		return []string{backendDir}
	}
	var roots []string
	if exePath, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exePath))
	}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}

	seen := make(map[string]bool)
	var dirs []string
	add := func(d string) {
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	for _, r := range roots {
		add(filepath.Join(r, backendDir))
		add(filepath.Join(r, ".dist", backendDir))
	}
	for _, r := range roots {
		cur := filepath.Dir(r)
		for i := 0; i < maxAscend; i++ {
			add(filepath.Join(cur, backendDir))
			parent := filepath.Dir(cur)
			if parent == cur {
				break
			}
			cur = parent
		}
	}
	return dirs
}

// locateLibrary returns the first existing backend library, preferring a
// per-platform subdirectory such as linux-x64 over the directory itself.
func locateLibrary(cfg BackendConfig) (string, error) {
	name := cfg.libName()
	if filepath.IsAbs(name) {
		if fileExists(name) {
			return name, nil
		}
		return "", &iface.LoadError{Path: name, Err: os.ErrNotExist}
	}
	platform, _ := getPlatform()

	var tried []string
	for _, d := range searchDirs(cfg.BackendDir) {
		if platform != "" {
			p := filepath.Join(d, platform, name)
			tried = append(tried, p)
			if fileExists(p) {
				return p, nil
			}
		}
		p := filepath.Join(d, name)
		tried = append(tried, p)
		if fileExists(p) {
			return p, nil
		}
	}
	return "", &iface.LoadError{
		Path: name,
		Err:  fmt.Errorf("not found, tried:\n  %s", strings.Join(tried, "\n  ")),
	}
}

// checkDeps verifies that companion libraries ship next to the backend.
func checkDeps(libPath string, deps []string) error {
	dir := filepath.Dir(libPath)
	var missing []string
	for _, d := range deps {
		p := filepath.Join(dir, d)
		if _, err := os.Stat(p); err != nil {
			if !os.IsNotExist(err) {
				return &iface.LoadError{Path: libPath, Err: fmt.Errorf("stat %s: %w", p, err)}
			}
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return &iface.LoadError{Path: libPath, Err: fmt.Errorf("missing dependencies in %s: %v", dir, missing)}
	}
	return nil
}

// checkArch rejects a library built for a different CPU than this process.
func checkArch(path string) error {
	switch runtime.GOOS {
	case "windows":
		return checkPE(path, runtime.GOARCH)
	case "darwin":
		return checkMachO(path, runtime.GOARCH)
	default:
		return checkELF(path, runtime.GOARCH)
	}
}

var elfMachines = map[string]elf.Machine{
	"amd64": elf.EM_X86_64,
	"386":   elf.EM_386,
	"arm64": elf.EM_AARCH64,
	"arm":   elf.EM_ARM,
}

func checkELF(path, goarch string) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	want, ok := elfMachines[goarch]
	if !ok {
		return nil
	}
	if f.Machine != want {
		return fmt.Errorf("library is built for %s, process is %s", f.Machine, goarch)
	}
	return nil
}

var peMachines = map[string]uint16{
	"amd64": pe.IMAGE_FILE_MACHINE_AMD64,
	"386":   pe.IMAGE_FILE_MACHINE_I386,
	"arm64": pe.IMAGE_FILE_MACHINE_ARM64,
}

func checkPE(path, goarch string) error {
	f, err := pe.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	want, ok := peMachines[goarch]
	if !ok {
		return nil
	}
	if f.Machine != want {
		return fmt.Errorf("library machine %#x does not match %s", f.Machine, goarch)
	}
	return nil
}

var machoCPUs = map[string]macho.Cpu{
	"amd64": macho.CpuAmd64,
	"arm64": macho.CpuArm64,
}

func checkMachO(path, goarch string) error {
	want, ok := machoCPUs[goarch]
	if fat, err := macho.OpenFat(path); err == nil {
		defer fat.Close()
		if !ok {
			return nil
		}
		for _, a := range fat.Arches {
			if a.Cpu == want {
				return nil
			}
		}
		return fmt.Errorf("universal library has no %s slice", goarch)
	}
	f, err := macho.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if ok && f.Cpu != want {
		return fmt.Errorf("library is built for %s, process is %s", f.Cpu, goarch)
	}
	return nil
}
