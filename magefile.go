//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target when running mage without arguments.
var Default = Build

// Build builds the server and worker binaries.
func Build() error {
	mg.Deps(Generate)
	for _, name := range []string{"server", "worker"} {
		fmt.Printf("Building %s...\n", name)
		if err := sh.Run("go", "build", "-o", "bin/"+name, "./cmd/"+name); err != nil {
			return err
		}
	}
	return nil
}

// Generate runs all code generation.
func Generate() error {
	mg.Deps(Wire)
	return nil
}

// wireDir holds the injectors for both binaries.
const wireDir = "./internal/app"

// Wire regenerates internal/app/wire_gen.go.
func Wire() error {
	fmt.Printf("Running wire in %s...\n", wireDir)
	return sh.Run("wire", "gen", wireDir)
}

// Test runs all tests.
func Test() error {
	fmt.Println("Running tests...")
	return sh.RunV("go", "test", "./...")
}

// TestRace runs tests with the race detector. The queue and runner tests
// exercise concurrent refunds and cancellation.
func TestRace() error {
	fmt.Println("Running tests with -race...")
	return sh.Run("go", "test", "-race", "./...")
}

// TestCover runs tests with coverage.
func TestCover() error {
	fmt.Println("Running tests with coverage...")
	return sh.Run("go", "test", "-cover", "-coverprofile=coverage.out", "./...")
}

// Lint runs golangci-lint.
func Lint() error {
	fmt.Println("Running linter...")
	return sh.Run("golangci-lint", "run", "./...")
}

// Vet runs go vet.
func Vet() error {
	fmt.Println("Running go vet...")
	return sh.Run("go", "vet", "./...")
}

// Clean removes build artifacts. Generated wire files are kept because the
// repository commits them.
func Clean() error {
	fmt.Println("Cleaning...")
	_ = os.Remove("coverage.out")
	return os.RemoveAll("bin")
}

// Tidy runs go mod tidy.
func Tidy() error {
	fmt.Println("Running go mod tidy...")
	return sh.Run("go", "mod", "tidy")
}

// All runs tidy, generate, vet, lint, test, and build.
func All() error {
	mg.SerialDeps(Tidy, Generate, Vet, Lint, Test, Build)
	return nil
}

// Dev builds and runs the server for development with in-memory stores.
func Dev() error {
	mg.Deps(Build)
	fmt.Println("Starting server...")
	return runBinary("./bin/server",
		"TASKORCH_DATABASE_DRIVER=memory",
		"TASKORCH_STORAGE_DRIVER=memory",
		"TASKORCH_LOG_LEVEL=debug",
	)
}

// DevWorker builds and runs the durable queue worker. It needs
// TASKORCH_QUEUE_REDIS_URL and a Postgres database.
func DevWorker() error {
	mg.Deps(Build)
	if os.Getenv("TASKORCH_QUEUE_REDIS_URL") == "" {
		return fmt.Errorf("TASKORCH_QUEUE_REDIS_URL is required for the worker")
	}
	fmt.Println("Starting worker...")
	return runBinary("./bin/worker")
}

// Redis starts a throwaway Redis container for the durable queue.
func Redis() error {
	fmt.Println("Starting redis on :6379...")
	return sh.RunV("docker", "run", "--rm", "-d", "--name", "taskorch-redis", "-p", "6379:6379", "redis:7-alpine")
}

// Migrate applies the embedded SQL migrations with the goose CLI. The
// server does the same on start when database.auto_migrate is set.
func Migrate() error {
	dsn := os.Getenv("TASKORCH_DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=postgres dbname=taskorch sslmode=disable"
	}
	fmt.Println("Applying migrations...")
	return sh.RunV("goose", "-dir", "internal/shared/database/migrations", "-table", "schema_migrations", "postgres", dsn, "up")
}

// CI runs the CI pipeline (tidy, generate, vet, race tests with coverage).
func CI() error {
	mg.SerialDeps(Tidy, Generate, Vet, TestRace, TestCover)
	return nil
}

// Install installs development tools.
func Install() error {
	fmt.Println("Installing development tools...")

	tools := []string{
		"github.com/google/wire/cmd/wire@v0.7.0",
		"github.com/golangci/golangci-lint/cmd/golangci-lint@latest",
		"github.com/pressly/goose/v3/cmd/goose@v3.24.2",
	}
	for _, tool := range tools {
		fmt.Printf("  Installing %s\n", tool)
		if err := sh.Run("go", "install", tool); err != nil {
			return fmt.Errorf("installing %s: %w", tool, err)
		}
	}
	return nil
}

func runBinary(path string, env ...string) error {
	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
