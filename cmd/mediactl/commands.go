package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	signedmedia "github.com/wolfeidau/signed-media"
	"github.com/wolfeidau/signed-media/backend"
	"github.com/wolfeidau/signed-media/blob"
	"github.com/wolfeidau/signed-media/cache"
	"github.com/wolfeidau/signed-media/catalog"
	"github.com/wolfeidau/signed-media/optimistic"
	"github.com/wolfeidau/signed-media/recordstore"
	"github.com/wolfeidau/signed-media/resolver"
	"github.com/wolfeidau/signed-media/server"
	"github.com/wolfeidau/signed-media/staged"
	"github.com/wolfeidau/signed-media/upstream"
	"github.com/wolfeidau/signed-media/upstream/gateway"
	"github.com/wolfeidau/signed-media/upstream/s3sign"
)

func (g *Globals) gateway() (*gateway.Client, error) {
	return gateway.New(g.cfg.API.BaseURL,
		gateway.WithToken(g.cfg.API.Token),
		gateway.WithLogger(g.logger.With("component", "gateway")),
	)
}

func (g *Globals) objects() (*blob.Store, error) {
	var b backend.Backend = backend.NewMemory()
	if g.cfg.Objects.Backend == "filesystem" {
		fs, err := backend.NewFilesystem(g.cfg.Objects.Dir)
		if err != nil {
			return nil, fmt.Errorf("creating object directory: %w", err)
		}
		b = fs
	}
	return blob.NewStore(backend.NewInstrumented(b, g.cfg.Objects.Backend),
		blob.WithLogger(g.logger.With("component", "objects")),
	), nil
}

func (g *Globals) openStore() (*recordstore.Store, error) {
	return recordstore.Open(g.cfg.Store.Path,
		recordstore.WithLogger(g.logger.With("component", "recordstore")),
	)
}

// NormalizeCmd prints the references found in a JSON field value.
type NormalizeCmd struct {
	Field string `arg:"" optional:"" help:"JSON value; read from stdin when omitted or '-'."`
}

func (c *NormalizeCmd) Run() error {
	data := []byte(c.Field)
	if c.Field == "" || c.Field == "-" {
		var err error
		if data, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}
	for _, ref := range signedmedia.NormalizeJSON(data) {
		fmt.Println(ref)
	}
	return nil
}

// ResolveCmd resolves references through the cache.
type ResolveCmd struct {
	Refs []string `arg:"" help:"References to resolve."`
	Blob bool     `help:"Download the media and serve it from a local object."`
}

func (c *ResolveCmd) Run(ctx context.Context, g *Globals) error {
	client, err := g.gateway()
	if err != nil {
		return err
	}
	objects, err := g.objects()
	if err != nil {
		return err
	}
	rc := cache.New(g.cfg.CacheConfig(g.logger.With("component", "cache")))
	defer rc.Close()

	r := resolver.New(rc, client, objects, resolver.WithLogger(g.logger.With("component", "resolver")))

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	var failed int
	for _, ref := range c.Refs {
		res, err := r.Resolve(ctx, signedmedia.Reference(ref), resolver.Options{PreferBlob: c.Blob})
		if err != nil {
			failed++
			g.logger.Error("resolve failed", "ref", ref, "error", err)
			continue
		}
		line := fmt.Sprintf("%s\t%s\t%s", ref, res.Origin, res.URI)
		if !res.Digest.IsZero() {
			line += "\t" + res.Digest.ShortString()
		}
		fmt.Fprintln(tw, line)
		res.Release()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d references failed", failed, len(c.Refs))
	}
	return nil
}

// UploadCmd stages a file as the new value of a record field.
type UploadCmd struct {
	File    string `arg:"" type:"existingfile" help:"Image to upload."`
	Record  string `required:"" help:"Record id."`
	Field   string `default:"avatarKey" help:"Dotted field path."`
	Hint    string `default:"avatar" help:"Destination hint."`
	Current string `help:"Currently committed reference."`
	Commit  bool   `help:"Persist the uploaded key."`
	Local   bool   `help:"Persist into the local record store instead of the gateway."`
}

func (c *UploadCmd) Run(ctx context.Context, g *Globals) error {
	client, err := g.gateway()
	if err != nil {
		return err
	}
	objects, err := g.objects()
	if err != nil {
		return err
	}
	rc := cache.New(g.cfg.CacheConfig(g.logger.With("component", "cache")))
	defer rc.Close()

	var persister upstream.RecordPersister = client
	if c.Local {
		store, err := g.openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		persister = store
	}

	m := staged.New(staged.Config{
		RecordID:  c.Record,
		FieldPath: c.Field,
		Hint:      c.Hint,
		Policy:    g.cfg.Policy(),
		Cache:     rc,
		Objects:   objects,
		Targets:   client,
		Uploader:  client,
		Persister: persister,
		Committed: signedmedia.Reference(c.Current),
		Logger:    g.logger.With("component", "staged"),
	})
	defer m.Close()

	unsubscribe := m.Subscribe(func(s staged.Snapshot) {
		if s.Phase == staged.PhaseUploading {
			fmt.Fprintf(os.Stderr, "\ruploading %s %3d%%", s.FileName, s.Progress)
		}
	})
	defer unsubscribe()

	f, err := staged.OpenFile(c.File)
	if err != nil {
		return err
	}
	if err := m.Pick(ctx, f); err != nil {
		return err
	}
	if err := m.ConfirmUpload(ctx); err != nil {
		fmt.Fprintln(os.Stderr)
		return err
	}
	fmt.Fprintln(os.Stderr)

	if !c.Commit {
		fmt.Printf("uploaded %s (not committed)\n", m.ResultingKey())
		m.RevertPending(ctx)
		return nil
	}
	if err := m.Commit(ctx); err != nil {
		return err
	}
	fmt.Printf("committed %s to %s.%s\n", m.Committed(), c.Record, c.Field)
	return nil
}

// CategoryCmd groups the category commands.
type CategoryCmd struct {
	List   CategoryListCmd   `cmd:"" help:"List categories."`
	Rename CategoryRenameCmd `cmd:"" help:"Rename a category."`
	Delete CategoryDeleteCmd `cmd:"" help:"Delete a category with an undo window."`
}

type categoryTarget struct {
	Local bool `help:"Use the local record store instead of the gateway."`
}

func (c categoryTarget) service(g *Globals) (catalog.Service, func(), error) {
	if c.Local {
		store, err := g.openStore()
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	client, err := g.gateway()
	if err != nil {
		return nil, nil, err
	}
	return client, func() {}, nil
}

// CategoryListCmd lists categories.
type CategoryListCmd struct {
	Target categoryTarget `embed:""`
}

func (c *CategoryListCmd) Run(ctx context.Context, g *Globals) error {
	svc, done, err := c.Target.service(g)
	if err != nil {
		return err
	}
	defer done()

	list, err := svc.ListCategories(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	for _, cat := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", cat.ID, cat.Name, cat.CreatedAt.Format(time.DateOnly))
	}
	return nil
}

// CategoryRenameCmd renames a category.
type CategoryRenameCmd struct {
	Target categoryTarget `embed:""`
	ID     string         `arg:"" help:"Category id."`
	Name   string         `arg:"" help:"New name."`
}

func (c *CategoryRenameCmd) Run(ctx context.Context, g *Globals) error {
	svc, done, err := c.Target.service(g)
	if err != nil {
		return err
	}
	defer done()

	l, err := catalog.NewList(ctx, svc, optimistic.WithLogger(g.logger))
	if err != nil {
		return err
	}
	cat, err := catalog.Rename(ctx, l, c.ID, c.Name)
	if errors.Is(err, signedmedia.ErrConflict) {
		return fmt.Errorf("a category named %q already exists", strings.TrimSpace(c.Name))
	}
	if err != nil {
		return err
	}
	fmt.Printf("renamed %s to %s\n", cat.ID, cat.Name)
	return nil
}

// CategoryDeleteCmd deletes a category and offers an undo until the window
// closes.
type CategoryDeleteCmd struct {
	Target categoryTarget `embed:""`
	ID     string         `arg:"" help:"Category id."`
	Prompt bool           `default:"true" negatable:"" help:"Offer undo on stdin during the window."`
}

func (c *CategoryDeleteCmd) Run(ctx context.Context, g *Globals) error {
	svc, done, err := c.Target.service(g)
	if err != nil {
		return err
	}
	defer done()

	l, err := catalog.NewList(ctx, svc,
		optimistic.WithUndoWindow(g.cfg.Undo.Window),
		optimistic.WithLogger(g.logger),
	)
	if err != nil {
		return err
	}
	if err := l.Delete(ctx, c.ID); err != nil {
		return err
	}

	cat, deadline, ok := l.UndoAvailable()
	if !ok || !c.Prompt {
		fmt.Printf("deleted %s\n", c.ID)
		return nil
	}
	fmt.Printf("deleted %s, press enter within %s to undo\n", cat.Name, time.Until(deadline).Round(time.Second))

	lines := make(chan struct{}, 1)
	go func() {
		if _, err := bufio.NewReader(os.Stdin).ReadString('\n'); err == nil {
			lines <- struct{}{}
		}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-lines:
		restored, err := l.Undo(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("restored %s\n", restored.Name)
	case <-timer.C:
		fmt.Println("undo window closed")
	case <-ctx.Done():
	}
	return nil
}

// ServeCmd runs the signing gateway.
type ServeCmd struct {
	Address string `help:"Address to listen on; overrides the config."`
}

func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	signer, err := s3sign.New(g.cfg.SignerConfig(g.logger.With("component", "s3sign")))
	if err != nil {
		return err
	}
	store, err := g.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	addr := g.cfg.Server.Address
	if c.Address != "" {
		addr = c.Address
	}

	srv, err := server.New(server.Config{
		Address:     addr,
		AuthToken:   g.cfg.Server.AuthToken,
		DefaultUser: g.cfg.Server.DefaultUser,
		Signer:      signer,
		Records:     store,
		Categories:  store,
		Logger:      g.logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
