// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package env loads .env files and resolves ESPFLASH_* defaults.
package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Prefix is prepended to every environment variable name.
const Prefix = "ESPFLASH_"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the first .env file found from the current working directory up
// to the filesystem root. Variables already set in the environment win.
// Subsequent calls are no-ops.
func Ensure() error {
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			loadErr = errors.Wrap(err, "get working directory")
			return
		}
		path, err := findDotEnv(wd)
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("Searching for .env failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = errors.Wrapf(err, "load %s", path)
			log.Warn().Err(err).Str("dotenv", path).Msg("Loading .env failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("Loaded .env")
	})
	return loadErr
}

// LoadedPath returns the resolved .env path if one was loaded, otherwise "".
func LoadedPath() string {
	return loadedPath
}

// Key returns the environment variable name for a flag name:
// "flash-baud" becomes "ESPFLASH_FLASH_BAUD".
func Key(name string) string {
	return Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Lookup returns the value of the variable for a flag name.
func Lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(Key(name))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func findDotEnv(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", errors.Wrapf(err, "stat %s", candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
