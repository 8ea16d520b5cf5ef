package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ulikunitz/xz"

	"pagevfs/internal/app"
	"pagevfs/internal/image"
	"pagevfs/internal/platform/httpclient"
	"pagevfs/internal/platform/logger"
	"pagevfs/internal/platform/sqlite"
	"pagevfs/internal/shared"
)

var stdout io.Writer = os.Stdout

// ServeCmd runs the admin server until interrupted.
type ServeCmd struct{}

func (c *ServeCmd) Run(ctx context.Context, a *app.App) error {
	return a.Serve(ctx)
}

// ImportCmd replaces the image with a database file or download.
type ImportCmd struct {
	Path       string        `arg:"" help:"SQLite database file or http(s) URL, optionally xz-compressed"`
	MaxSize    string        `name:"max-size" help:"Largest accepted download" default:"4GiB"`
	Retries    int           `help:"Retries for transient download failures" default:"3"`
	HeaderWait time.Duration `name:"header-timeout" help:"How long to wait for response headers" default:"30s"`
}

func (c *ImportCmd) Run(ctx context.Context, a *app.App) error {
	src, compressed, err := c.open(ctx, a)
	if err != nil {
		return err
	}
	defer src.Close()

	var r io.Reader = src
	if compressed {
		if r, err = xz.NewReader(src); err != nil {
			return fmt.Errorf("open xz stream: %w", err)
		}
	}

	n, err := image.Import(ctx, a.VFS(), r, a.Retry())
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %s into %s\n", humanize.IBytes(uint64(n)), a.VFS().FileName())
	return nil
}

func (c *ImportCmd) open(ctx context.Context, a *app.App) (io.ReadCloser, bool, error) {
	if !httpclient.IsURL(c.Path) {
		f, err := os.Open(c.Path)
		if err != nil {
			return nil, false, err
		}
		return f, strings.HasSuffix(c.Path, ".xz"), nil
	}

	limit := httpclient.DefaultMaxBytes
	if c.MaxSize != "" {
		n, err := humanize.ParseBytes(c.MaxSize)
		if err != nil {
			return nil, false, shared.MarkKind(fmt.Errorf("--max-size: %w", err), shared.KindValidation)
		}
		limit = int64(n)
	}
	client := httpclient.New(
		httpclient.WithLogger(logger.Component(a.Logger(), "httpclient")),
		httpclient.WithRetries(c.Retries, 0),
		httpclient.WithHeaderTimeout(c.HeaderWait),
		httpclient.WithMaxBytes(limit),
	)
	d, err := client.Fetch(ctx, c.Path)
	if err != nil {
		return nil, false, err
	}
	return d.Body, d.Compressed, nil
}

// ExportCmd writes the image out.
type ExportCmd struct {
	Out string `arg:"" help:"Output file, or - for stdout"`
	XZ  bool   `name:"xz" help:"Compress the output with xz"`
}

func (c *ExportCmd) Run(ctx context.Context, a *app.App) error {
	if c.Out == "-" {
		_, err := export(ctx, a, stdout, c.XZ)
		return err
	}

	dir := filepath.Dir(c.Out)
	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := export(ctx, a, tmp, c.XZ)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), c.Out); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %s to %s\n", humanize.IBytes(uint64(n)), c.Out)
	return nil
}

func export(ctx context.Context, a *app.App, w io.Writer, compress bool) (int64, error) {
	if !compress {
		return image.Export(ctx, a.VFS(), w, a.Retry())
	}
	zw, err := xz.NewWriter(w)
	if err != nil {
		return 0, err
	}
	n, err := image.Export(ctx, a.VFS(), zw, a.Retry())
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// SeedCmd builds a database from migrations and imports it.
type SeedCmd struct {
	Migrations string `required:"" help:"Directory with golang-migrate SQL files" type:"existingdir"`
	WorkDir    string `name:"work-dir" help:"Where the temporary database is built" default:"data/tmp" type:"path"`
}

func (c *SeedCmd) Run(ctx context.Context, a *app.App) error {
	path, version, err := sqlite.BuildSeed(ctx, c.WorkDir, c.Migrations)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := image.Import(ctx, a.VFS(), f, a.Retry())
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "seeded schema version %d (%s)\n", version, humanize.IBytes(uint64(n)))
	return nil
}

// QueryCmd runs a read-only query.
type QueryCmd struct {
	SQL     string        `arg:"" help:"SQL statement"`
	Args    []string      `name:"arg" short:"a" help:"Positional query argument (repeatable)"`
	Limit   int           `help:"Maximum rows to print" default:"100"`
	JSON    bool          `name:"json" help:"Print the result as JSON"`
	Timeout time.Duration `help:"Query timeout" default:"30s"`
}

func (c *QueryCmd) Run(ctx context.Context, a *app.App) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	db, err := sqlite.OpenImage(ctx, image.NewFS(ctx, a.VFS(), a.Retry()), a.VFS().FileName())
	if err != nil {
		return err
	}
	defer db.Close()

	args := make([]any, len(c.Args))
	for i, v := range c.Args {
		args[i] = v
	}
	res, err := sqlite.Query(ctx, db, c.SQL, c.Limit, args...)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return printTable(stdout, res)
}

func printTable(w io.Writer, res *sqlite.QueryResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if res.Truncated {
		fmt.Fprintf(w, "(truncated at %d rows)\n", len(res.Rows))
	}
	return nil
}

// StatsCmd prints VFS statistics.
type StatsCmd struct {
	JSON bool `name:"json" help:"Print as JSON"`
}

func (c *StatsCmd) Run(a *app.App) error {
	st := a.VFS().Stats()
	if c.JSON {
		return json.NewEncoder(stdout).Encode(st)
	}
	_, err := fmt.Fprintln(stdout, st.String())
	return err
}

// CheckpointCmd saves a checkpoint now.
type CheckpointCmd struct{}

func (c *CheckpointCmd) Run(ctx context.Context, a *app.App) error {
	if err := a.CheckpointJob()(ctx); err != nil {
		return err
	}
	list, err := image.List(a.Config().Checkpoint.Dir)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "image is empty, no checkpoint written")
		return nil
	}
	fmt.Fprintf(stdout, "saved %s\n", list[0].ID)
	return nil
}

// CheckpointsCmd lists saved checkpoints, newest first.
type CheckpointsCmd struct{}

func (c *CheckpointsCmd) Run(a *app.App) error {
	list, err := image.List(a.Config().Checkpoint.Dir)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSIZE\tCOMPRESSED")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", m.ID, humanize.Time(m.Created), humanize.IBytes(uint64(m.Size)), m.Compressed)
	}
	return tw.Flush()
}

// RestoreCmd loads a checkpoint into the image.
type RestoreCmd struct {
	ID string `arg:"" help:"Checkpoint ID (see 'checkpoints')"`
}

func (c *RestoreCmd) Run(ctx context.Context, a *app.App) error {
	m, err := image.Load(ctx, a.VFS(), a.Config().Checkpoint.Dir, c.ID, a.Retry())
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "restored %s (%s, created %s)\n", m.ID, humanize.IBytes(uint64(m.Size)), humanize.Time(m.Created))
	return nil
}
