// Package config loads the client configuration file and validates
// the result into the read-only record the core runs under.
//
// The file is ini-style:
//
//	[Client]
//	directory-list=/home/alice:/etc
//	blocksize=16384
//	dircache=/var/cache/sauvegarde
//	dbname=filecache.db
//	server=backup.example.net
//	port=5468
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/Unknwon/goconfig"
	"golang.org/x/xerrors"

	"github.com/sauvegarde/sauvegarde"
	"github.com/sauvegarde/sauvegarde/internal/env"
)

// ErrInvalid is wrapped around every validation failure. Invalid
// configuration is fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

const clientSection = "Client"

// Overrides carries the command-line values that take precedence over
// the file. Zero values mean "not set".
type Overrides struct {
	DirnameList []string
	Blocksize   int64
	Dircache    string
	DBName      string
	Host        string
	Port        int
}

// Load reads path (optional: an empty path or a missing file yields
// the defaults), applies overrides, validates, and returns the
// ConfigRecord. The record is immutable afterwards.
func Load(path string, ov Overrides) (*sauvegarde.ConfigRecord, error) {
	cfg := &sauvegarde.ConfigRecord{
		Blocksize: sauvegarde.DefaultBlocksize,
		Dircache:  env.Dircache,
		DBName:    "filecache.db",
		Host:      "localhost",
		Port:      5468,
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := applyFile(cfg, path); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, xerrors.Errorf("config file %s: %v: %w", path, err, ErrInvalid)
		}
	}

	applyOverrides(cfg, ov)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *sauvegarde.ConfigRecord, path string) error {
	file, err := goconfig.LoadConfigFile(path)
	if err != nil {
		return xerrors.Errorf("parse %s: %v: %w", path, err, ErrInvalid)
	}
	if v, err := file.GetValue(clientSection, "directory-list"); err == nil && v != "" {
		cfg.DirnameList = SplitDirList(v)
	}
	if v, err := file.Int64(clientSection, "blocksize"); err == nil && v != 0 {
		cfg.Blocksize = v
	}
	if v, err := file.GetValue(clientSection, "dircache"); err == nil && v != "" {
		cfg.Dircache = v
	}
	if v, err := file.GetValue(clientSection, "dbname"); err == nil && v != "" {
		cfg.DBName = v
	}
	if v, err := file.GetValue(clientSection, "server"); err == nil && v != "" {
		cfg.Host = v
	}
	if v, err := file.Int(clientSection, "port"); err == nil && v != 0 {
		cfg.Port = v
	}
	return nil
}

func applyOverrides(cfg *sauvegarde.ConfigRecord, ov Overrides) {
	if len(ov.DirnameList) > 0 {
		cfg.DirnameList = ov.DirnameList
	}
	if ov.Blocksize > 0 {
		cfg.Blocksize = ov.Blocksize
	}
	if ov.Dircache != "" {
		cfg.Dircache = ov.Dircache
	}
	if ov.DBName != "" {
		cfg.DBName = ov.DBName
	}
	if ov.Host != "" {
		cfg.Host = ov.Host
	}
	if ov.Port != 0 {
		cfg.Port = ov.Port
	}
}

// SplitDirList splits a colon-separated directory list, dropping
// empty elements.
func SplitDirList(v string) []string {
	var dirs []string
	for _, d := range strings.Split(v, ":") {
		d = strings.TrimSpace(d)
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func validate(cfg *sauvegarde.ConfigRecord) error {
	if len(cfg.DirnameList) == 0 {
		return xerrors.Errorf("directory-list is empty: %w", ErrInvalid)
	}
	seen := make(map[string]bool)
	for _, d := range cfg.DirnameList {
		if !filepath.IsAbs(d) {
			return xerrors.Errorf("directory %q is not absolute: %w", d, ErrInvalid)
		}
		if seen[d] {
			return xerrors.Errorf("directory %q listed twice: %w", d, ErrInvalid)
		}
		seen[d] = true
	}
	if cfg.Blocksize <= 0 {
		return xerrors.Errorf("blocksize %d is not positive: %w", cfg.Blocksize, ErrInvalid)
	}
	if cfg.Dircache == "" || cfg.DBName == "" {
		return xerrors.Errorf("dircache and dbname must be set: %w", ErrInvalid)
	}
	if cfg.Host == "" {
		return xerrors.Errorf("server host must be set: %w", ErrInvalid)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return xerrors.Errorf("port %d out of range: %w", cfg.Port, ErrInvalid)
	}
	return nil
}
