// Command storageutil seeds provider configuration into the store and runs
// provider resolution for an identity pair without generating.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"contractai-go/internal/config"
	"contractai-go/internal/credential"
	"contractai-go/internal/keypool"
	"contractai-go/internal/provider"
	"contractai-go/internal/secrets"
	store "contractai-go/internal/storage"
	"contractai-go/internal/upstream"

	"gopkg.in/yaml.v3"
)

func main() {
	mode := flag.String("mode", "", "operation mode: seed | resolve")
	filePath := flag.String("file", "", "seed file for -mode seed (default: stdin)")
	configPath := flag.String("config", "", "path to configuration file")
	clientID := flag.String("client", "", "client identity for -mode resolve")
	consultantID := flag.String("consultant", "", "consultant identity for -mode resolve")
	timeout := flag.Duration("timeout", 30*time.Second, "operation timeout")
	flag.Parse()

	cfg, _, err := config.Load(*configPath)
	if err != nil {
		fail(fmt.Errorf("load configuration: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backend, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		fail(fmt.Errorf("open storage: %w", err))
	}
	defer backend.Close()

	var codec *secrets.Codec
	if strings.TrimSpace(cfg.Secrets.EncryptionKey) != "" {
		if codec, err = secrets.NewCodec(cfg.Secrets.EncryptionKey); err != nil {
			fail(err)
		}
	}

	switch strings.ToLower(*mode) {
	case "seed":
		if err := runSeed(ctx, backend, codec, *filePath); err != nil {
			fail(err)
		}
	case "resolve":
		if err := runResolve(ctx, cfg, backend, codec, *clientID, *consultantID); err != nil {
			fail(err)
		}
	default:
		fail(fmt.Errorf("unknown mode %q (expected seed|resolve)", *mode))
	}
}

func runSeed(ctx context.Context, backend store.Backend, codec *secrets.Codec, path string) error {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	var doc seedFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("decode seed file: %w", err)
	}
	var enc encrypter
	if codec != nil {
		enc = codec
	}
	counts, err := applySeed(ctx, backend, enc, &doc, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "seeded %s\n", counts)
	return nil
}

func runResolve(ctx context.Context, cfg *config.Config, backend store.Store, codec *secrets.Codec, clientID, consultantID string) error {
	if strings.TrimSpace(clientID) == "" {
		return errors.New("missing -client")
	}
	var dec secrets.Decrypter
	if codec != nil {
		dec = codec
	}
	r := provider.NewResolver(provider.Deps{
		Store:       backend,
		Credentials: credential.NewCache(credential.NewParser(dec).Parse),
		Pool:        keypool.New(backend, dec, cfg.KeyPoolTTL()),
		Codec:       dec,
		Factory: &provider.SDKFactory{
			HTTPClient: upstream.NewHTTPClient(cfg.Providers.ProxyURL),
			Invoker:    upstream.NewInvoker(cfg.Retry),
			VertexBase: cfg.Providers.VertexEndpoint,
			StudioBase: cfg.Providers.StudioEndpoint,
		},
		Settings: provider.SettingsFromConfig(cfg),
	})
	res, err := r.DryRun(ctx, clientID, consultantID)
	if err != nil {
		return err
	}
	defer res.Cleanup()
	out := map[string]any{
		"source":    res.Source,
		"keySource": res.KeySource,
		"backend":   res.Client.Backend(),
		"model":     res.Client.Model(),
		"metadata":  res.Metadata,
	}
	return yaml.NewEncoder(os.Stdout).Encode(out)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
