/*
Copyright 2022.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	pfv1alpha1 "github.com/openshift/packet-filter/api/v1alpha1"
	"github.com/openshift/packet-filter/pkg/config"
	"github.com/openshift/packet-filter/pkg/syncer"
)

const defaultDebounce = 500 * time.Millisecond

// PacketFilterConfigReconciler loads the configuration file at Path into the
// packet filter whenever it changes.
type PacketFilterConfigReconciler struct {
	Path   string
	Log    logr.Logger
	Syncer syncer.Syncer
	// Debounce coalesces bursts of file system events.
	Debounce time.Duration
}

// Reconcile reads the configuration and loads it. A missing file flushes
// the tables.
func (r *PacketFilterConfigReconciler) Reconcile(ctx context.Context) error {
	cfg, err := config.Load(r.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.Log.Info("Configuration not found, flushing tables", "path", r.Path)
			return r.reconcileResource(ctx, nil, true)
		}
		r.Log.Error(err, "Failed to read PacketFilterConfig", "path", r.Path)
		return err
	}
	r.Log.Info("Reconciling configuration", "name", cfg.Name, "path", r.Path)
	return r.reconcileResource(ctx, cfg, false)
}

func (r *PacketFilterConfigReconciler) reconcileResource(ctx context.Context, cfg *pfv1alpha1.PacketFilterConfig, isDelete bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Syncer.SyncConfig(cfg, isDelete); err != nil {
		return errors.Wrapf(err, "FailedToSyncPacketFilterConfig")
	}
	return nil
}

// relevant reports whether an event in the watched directory may change
// the configuration. Mounted config maps swap a "..data" symlink instead
// of writing the file.
func (r *PacketFilterConfigReconciler) relevant(ev fsnotify.Event) bool {
	name := filepath.Clean(ev.Name)
	return name == filepath.Clean(r.Path) || filepath.Base(name) == "..data"
}

// Run reconciles once and then after every change until ctx is done.
// Failed loads are logged and leave the previous tables active.
func (r *PacketFilterConfigReconciler) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(r.Path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "failed to watch %s", dir)
	}
	r.Log.Info("Watching configuration", "path", r.Path)

	if err := r.Reconcile(ctx); err != nil {
		r.Log.Error(err, "Initial reconcile failed")
	}

	debounce := r.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if r.relevant(ev) {
				r.Log.V(1).Info("Configuration changed", "event", ev.String())
				pending = time.After(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.Log.Error(err, "File watcher error")
		case <-pending:
			pending = nil
			if err := r.Reconcile(ctx); err != nil {
				r.Log.Error(err, "Reconcile failed")
			}
		}
	}
}
