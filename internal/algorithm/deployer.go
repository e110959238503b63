package algorithm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/seantiz/crucible/internal/model"
	"github.com/seantiz/crucible/internal/storage"
	"github.com/seantiz/crucible/internal/store"
)

// Prober knows which runtimes exist and can load a module in isolation to
// prove it is importable.
type Prober interface {
	Supports(runtime string) bool
	Probe(ctx context.Context, a *model.Algorithm, module []byte) error
}

// DeployOptions modifies Deploy.
type DeployOptions struct {
	// Replace decommissions an existing descriptor with the same name and
	// version instead of rejecting the deploy.
	Replace bool
}

// Deployer validates package directories and registers them.
type Deployer struct {
	registry *Registry
	objects  storage.ObjectStore
	prober   Prober
	logger   *slog.Logger
}

// NewDeployer creates a deployer that registers into registry.
func NewDeployer(registry *Registry, prober Prober, logger *slog.Logger) *Deployer {
	return &Deployer{
		registry: registry,
		objects:  registry.objects,
		prober:   prober,
		logger:   logger.With("component", "deployer"),
	}
}

type objectRef struct {
	collection string
	key        string
}

// Deploy validates the package in dir and registers it. On any error nothing
// is registered and objects uploaded by this call are removed. Validation
// and import failures are returned as *model.DeploymentError.
func (d *Deployer) Deploy(ctx context.Context, dir string, opts DeployOptions) (*model.Algorithm, error) {
	label := filepath.Base(dir)
	fail := func(problems ...error) error {
		return &model.DeploymentError{Package: label, Problems: problems}
	}

	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fail(&model.FieldError{Field: ManifestFile, Message: err.Error()})
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, fail(err)
	}
	if m.Name != "" {
		label = m.Name
	}

	var problems *multierror.Error
	if err := m.Normalize(); err != nil {
		problems = multierror.Append(problems, err)
	}
	if m.Runtime != "" && !d.prober.Supports(m.Runtime) {
		problems = multierror.Append(problems, &model.FieldError{Field: "runtime", Message: fmt.Sprintf("unknown runtime %q", m.Runtime)})
	}
	if problems != nil {
		return nil, fail(problems.Errors...)
	}
	label = m.Name + "@" + m.Version

	p, err := readPackage(dir, m)
	if err != nil {
		return nil, fail(&model.FieldError{Field: "package", Message: err.Error()})
	}
	if m.Runtime == model.RuntimeExec && !p.has(m.Entrypoint) {
		return nil, fail(&model.FieldError{Field: "entrypoint", Message: fmt.Sprintf("file %q not found in package", m.Entrypoint)})
	}
	if m.Obfuscate {
		if p.Module, err = minify(p.Module); err != nil {
			return nil, fail(&model.FieldError{Field: "obfuscate", Message: err.Error()})
		}
	}

	desc := m.Descriptor()
	desc.ModuleHash = hashFiles(p.Module)
	desc.AssetsHash = hashAssets(p.Assets)
	desc.ModuleSize = totalSize(p.Module)
	desc.AssetsSize = totalSize(p.Assets)

	module, err := archive(p.Module)
	if err != nil {
		return nil, fmt.Errorf("archive module of %s: %w", label, err)
	}

	if m.CheckImportable {
		if err := d.prober.Probe(ctx, desc, module); err != nil {
			return nil, fail(&model.FieldError{Field: "check_importable", Message: err.Error()})
		}
	}

	d.registry.mu.Lock()
	defer d.registry.mu.Unlock()

	existing, err := d.registry.store.GetAlgorithmByName(ctx, desc.Name, desc.Version)
	switch {
	case err == nil && !opts.Replace:
		return nil, fail(&model.FieldError{Field: "version", Message: fmt.Sprintf("%s is already deployed", label)})
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("check existing %s: %w", label, err)
	}

	var created []objectRef
	rollback := func() {
		for _, ref := range created {
			if derr := d.objects.Delete(context.WithoutCancel(ctx), ref.collection, ref.key); derr != nil {
				d.logger.Error("rollback artifact", "collection", ref.collection, "key", ref.key, "error", derr)
			}
		}
	}

	var reusedModule bool
	desc.ModuleID, reusedModule, err = d.putArtifact(ctx, storage.CollectionModules, module, desc.HashModule, &created)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("upload module of %s: %w", label, err)
	}
	reusedAssets := 0
	desc.Assets = make(map[string]string, len(p.Assets))
	for _, f := range p.Assets {
		key, reused, err := d.putArtifact(ctx, storage.CollectionAssets, f.Data, desc.HashAssets, &created)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("upload asset %s of %s: %w", f.Path, label, err)
		}
		if reused {
			reusedAssets++
		}
		desc.Assets[f.Path] = key
	}

	desc.DeployedAt = time.Now().UTC()
	if existing != nil {
		err = d.registry.store.ReplaceAlgorithm(ctx, existing.ID, desc)
	} else {
		err = d.registry.store.CreateAlgorithm(ctx, desc)
	}
	if err != nil {
		rollback()
		if errors.Is(err, store.ErrConflict) {
			return nil, fail(&model.FieldError{Field: "version", Message: fmt.Sprintf("%s is already deployed", label)})
		}
		return nil, fmt.Errorf("register %s: %w", label, err)
	}
	if existing != nil {
		d.registry.retireLocked(ctx, existing)
	}

	d.logger.Info("algorithm deployed",
		"algorithm", label,
		"id", desc.ID,
		"runtime", desc.Runtime,
		"module", humanize.Bytes(uint64(desc.ModuleSize)),
		"assets", humanize.Bytes(uint64(desc.AssetsSize)),
		"module_reused", reusedModule,
		"assets_reused", reusedAssets,
	)
	return desc, nil
}

// putArtifact stores data and returns its key. With dedup the key is the
// content hash and an existing object with identical bytes is reused. An
// object under the same hash with different bytes gets a fresh key instead.
func (d *Deployer) putArtifact(ctx context.Context, collection string, data []byte, dedup bool, created *[]objectRef) (string, bool, error) {
	key := model.NewID()
	if dedup {
		hash := storage.ContentHash(data)
		key = hash
		existing, err := d.objects.Get(ctx, collection, hash)
		switch {
		case err == nil && bytes.Equal(existing, data):
			return hash, true, nil
		case err == nil:
			key = hash + "-" + model.NewID()
		case !errors.Is(err, storage.ErrNotFound):
			return "", false, err
		}
	}
	if err := d.objects.Put(ctx, collection, key, data, storage.PutOptions{}); err != nil {
		return "", false, err
	}
	*created = append(*created, objectRef{collection: collection, key: key})
	return key, false, nil
}

// DeployAll deploys every package directory directly under root. Failures
// are collected and returned together; successful deploys stay registered.
func (d *Deployer) DeployAll(ctx context.Context, root string, opts DeployOptions) ([]*model.Algorithm, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read algorithms dir: %w", err)
	}
	var (
		deployed []*model.Algorithm
		errs     *multierror.Error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		a, err := d.Deploy(ctx, dir, opts)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		deployed = append(deployed, a)
	}
	return deployed, errs.ErrorOrNil()
}
