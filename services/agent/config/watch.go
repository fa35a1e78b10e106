// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow absorbs editor write bursts before a reload fires.
const debounceWindow = 250 * time.Millisecond

// RuleWatcher watches a rules directory and delivers changed file contents
// to a reload callback.
//
// # Description
//
// Editors produce several events per save; the watcher debounces them and
// re-reads the file once. A file that fails to read is skipped and logged;
// the previous rules stay in effect, so a half-written file cannot take the
// service down.
//
// # Thread Safety
//
// The callback runs on the watcher goroutine; it must be safe to call
// concurrently with readers of whatever it updates.
type RuleWatcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

// WatchRules starts watching dir. onChange receives the base filename and
// its new contents after each settled change.
func WatchRules(dir string, onChange func(name string, contents []byte), logger *slog.Logger) (*RuleWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	rw := &RuleWatcher{watcher: w, logger: logger, done: make(chan struct{})}
	go rw.loop(onChange)
	logger.Info("watching rules directory", slog.String("dir", dir))
	return rw, nil
}

// Close stops the watcher.
func (rw *RuleWatcher) Close() error {
	close(rw.done)
	return rw.watcher.Close()
}

func (rw *RuleWatcher) loop(onChange func(string, []byte)) {
	pending := make(map[string]struct{})
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-rw.done:
			return
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if filepath.Ext(ev.Name) != ".yaml" && filepath.Ext(ev.Name) != ".yml" {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(debounceWindow)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("rules watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			for path := range pending {
				contents, err := os.ReadFile(path)
				if err != nil {
					rw.logger.Warn("rules file unreadable, keeping previous rules",
						slog.String("path", path),
						slog.String("error", err.Error()),
					)
					continue
				}
				rw.logger.Info("rules file changed", slog.String("path", path))
				onChange(filepath.Base(path), contents)
			}
			pending = make(map[string]struct{})
		}
	}
}
