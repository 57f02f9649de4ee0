// Command foundryctl drives the machine side of the settlement protocol
// from a shell: identity, registration, job submission and completion.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"foundry-backend/client"
	"foundry-backend/core/identity"
)

const usageLine = "usage: foundryctl <keygen|register|submit|complete|flag|metrics|estimate|jobhash> [...]"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usageLine)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "foundryctl: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

// common holds the flags every subcommand that talks to the server accepts.
type common struct {
	api      string
	creds    string
	attempts int
	verbose  bool
}

func (c *common) bind(fs *flag.FlagSet) {
	def := client.DefaultConfig()
	fs.StringVar(&c.api, "api", envOr("FOUNDRY_API_URL", def.APIURL), "settlement server URL")
	fs.StringVar(&c.creds, "creds", envOr("FOUNDRY_CREDENTIALS", def.CredentialsFile), "machine credentials file")
	fs.IntVar(&c.attempts, "attempts", def.Attempts, "attempts per request")
	fs.BoolVar(&c.verbose, "v", false, "log client activity to stderr")
}

func (c *common) client(withIdentity bool) (*client.Client, error) {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	cl := client.New(client.Config{
		APIURL:          c.api,
		Attempts:        c.attempts,
		CredentialsFile: c.creds,
		Logger:          logger,
	})
	if !withIdentity {
		return cl, nil
	}
	creds, err := identity.LoadCredentials(c.creds)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no credentials at %s, run foundryctl keygen first", c.creds)
		}
		return nil, err
	}
	if err := cl.Load(creds); err != nil {
		return nil, err
	}
	return cl, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		return errUsage
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], out)
	case "register":
		return runRegister(ctx, args[1:], out)
	case "submit":
		return runSubmit(ctx, args[1:], out)
	case "complete":
		return runComplete(ctx, args[1:], out)
	case "flag":
		return runFlag(ctx, args[1:], out)
	case "metrics":
		return runMetrics(ctx, args[1:], out)
	case "estimate":
		return runEstimate(ctx, args[1:], out)
	case "jobhash":
		return runJobHash(args[1:], out)
	default:
		return errUsage
	}
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	creds := fs.String("creds", envOr("FOUNDRY_CREDENTIALS", identity.DefaultCredentialsFile), "machine credentials file")
	force := fs.Bool("force", false, "overwrite an existing credentials file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*creds); err == nil && !*force {
		return fmt.Errorf("%s already exists, pass --force to replace it", *creds)
	}

	cl := client.New(client.Config{CredentialsFile: *creds, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	c, err := cl.Generate()
	if err != nil {
		return err
	}
	if err := identity.SaveCredentials(*creds, c); err != nil {
		return err
	}
	fmt.Fprintf(out, "machine_uuid=%s\npublic_key=%s\ncredentials=%s\n", c.MachineUUID, c.PublicKey, *creds)
	return nil
}

func runRegister(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	var cm common
	cm.bind(fs)
	meta := fs.String("metadata", "", "JSON object stored with the machine")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var metadata map[string]any
	if strings.TrimSpace(*meta) != "" {
		if err := json.Unmarshal([]byte(*meta), &metadata); err != nil {
			return fmt.Errorf("--metadata: %w", err)
		}
	}
	cl, err := cm.client(true)
	if err != nil {
		return err
	}
	m, err := cl.Register(ctx, metadata)
	if err != nil {
		return err
	}
	return printJSON(out, m)
}

func runSubmit(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	var cm common
	cm.bind(fs)
	job := fs.String("job", "", "job hash; derived from --file when empty")
	file := fs.String("file", "", "file name the job hash is derived from")
	complexity := fs.Float64("complexity", 1.0, "claimed complexity, clamped to [0.5, 2.0]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cl, err := cm.client(true)
	if err != nil {
		return err
	}
	hash := *job
	if hash == "" {
		if *file == "" {
			return fmt.Errorf("one of --job or --file is required")
		}
		hash = cl.JobHash(*file, "")
	}
	res, err := cl.SubmitJob(ctx, hash, *complexity, nil)
	if err != nil {
		return err
	}
	if res.Duplicate {
		fmt.Fprintf(out, "job %s already submitted\n", hash)
		return nil
	}
	fmt.Fprintln(out, hash)
	return nil
}

func runComplete(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("complete", flag.ContinueOnError)
	var cm common
	cm.bind(fs)
	job := fs.String("job", "", "job hash")
	wallet := fs.String("wallet", "", "recipient wallet address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *job == "" || *wallet == "" {
		return fmt.Errorf("--job and --wallet are required")
	}
	cl, err := cm.client(true)
	if err != nil {
		return err
	}
	res, err := cl.CompleteJob(ctx, *job, *wallet)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func runFlag(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("flag", flag.ContinueOnError)
	var cm common
	cm.bind(fs)
	job := fs.String("job", "", "job hash")
	reason := fs.String("reason", "", "why the job is suspicious")
	details := fs.String("details", "", "optional detail appended to the reason")
	member := fs.String("member", "", "reporting community member")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *job == "" || *reason == "" {
		return fmt.Errorf("--job and --reason are required")
	}
	cl, err := cm.client(false)
	if err != nil {
		return err
	}
	j, err := cl.FlagJob(ctx, *job, *reason, *details, *member)
	if err != nil {
		return err
	}
	return printJSON(out, j)
}

func runMetrics(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	var cm common
	cm.bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cl, err := cm.client(false)
	if err != nil {
		return err
	}
	m, err := cl.Metrics(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, m)
}

func runEstimate(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("estimate", flag.ContinueOnError)
	var cm common
	cm.bind(fs)
	duration := fs.Duration("duration", time.Hour, "job duration")
	complexity := fs.Float64("complexity", 1.0, "claimed complexity")
	anonymous := fs.Bool("anonymous", false, "estimate without loading credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cl, err := cm.client(!*anonymous)
	if err != nil {
		return err
	}
	b, err := cl.EstimateReward(ctx, duration.Seconds(), *complexity)
	if err != nil {
		return err
	}
	return printJSON(out, b)
}

func runJobHash(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("jobhash", flag.ContinueOnError)
	machine := fs.String("machine", "", "machine id; read from --creds when empty")
	creds := fs.String("creds", envOr("FOUNDRY_CREDENTIALS", identity.DefaultCredentialsFile), "machine credentials file")
	file := fs.String("file", "", "file name")
	extra := fs.String("extra", "", "extra data mixed into the hash")
	at := fs.Int64("at", 0, "unix millis; now when zero")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	id := *machine
	if id == "" {
		c, err := identity.LoadCredentials(*creds)
		if err != nil {
			return fmt.Errorf("--machine not set and credentials unreadable: %w", err)
		}
		id = c.MachineUUID
	}
	ts := time.Now()
	if *at > 0 {
		ts = time.UnixMilli(*at)
	}
	fmt.Fprintln(out, client.JobHash(id, *file, *extra, ts))
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
