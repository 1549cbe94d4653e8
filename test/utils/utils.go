package utils

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// FakeLoadGenName is the file name WriteFakeLoadGen gives the script
	FakeLoadGenName = "fake_loadgen"

	// CLIName is the binary BuildCLI produces
	CLIName = "liquid-bench"
)

// Run executes cmd and returns its combined output. Commands without a directory run
// from the module root.
func Run(cmd *exec.Cmd) (string, error) {
	if cmd.Dir == "" {
		dir, err := ProjectDir()
		if err != nil {
			return "", err
		}
		cmd.Dir = dir
	}
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%q failed: %w\n%s", strings.Join(cmd.Args, " "), err, output)
	}
	return string(output), nil
}

// NonEmptyLines splits output into lines, dropping blank ones and trailing carriage returns
func NonEmptyLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ProjectDir walks up from the working directory to the directory holding go.mod
func ProjectDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found above the working directory")
		}
		dir = parent
	}
}

// BuildCLI compiles the benchmark command into outDir and returns the binary path
func BuildCLI(outDir string) (string, error) {
	bin := filepath.Join(outDir, CLIName)
	if _, err := Run(exec.Command("go", "build", "-o", bin, "./cmd")); err != nil {
		return "", fmt.Errorf("failed to build %s: %w", CLIName, err)
	}
	return bin, nil
}

// WriteFakeLoadGen writes an executable shell script standing in for the load driver
// into dir and returns its relative command path
func WriteFakeLoadGen(dir, body string) (string, error) {
	path := filepath.Join(dir, FakeLoadGenName)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		return "", fmt.Errorf("failed to write fake load driver: %w", err)
	}
	return "./" + FakeLoadGenName, nil
}
