// Command badgectl is the operator tool for the badge backend: it mints admin
// tokens, signs device requests, packs and uploads app bundles and checks
// service health.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"conbadge.org/internal/archive"
	"conbadge.org/internal/auth"
	"conbadge.org/internal/healthcheck"
)

var flagServer = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	Usage:   "Badge API base URL",
	EnvVars: []string{"BADGE_SERVER"},
}

var flagAdminSecret = &cli.StringFlag{
	Name:    "admin-secret",
	Usage:   "HMAC secret used by the API for operator tokens",
	EnvVars: []string{"BADGE_ADMIN_SECRET"},
}

var flagToken = &cli.StringFlag{
	Name:    "token",
	Usage:   "Operator bearer token",
	EnvVars: []string{"BADGE_ADMIN_TOKEN"},
}

func main() {
	app := &cli.App{
		Name:  "badgectl",
		Usage: "operate the conference badge backend",
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "mint an operator token",
				Flags: []cli.Flag{
					flagAdminSecret,
					&cli.StringFlag{Name: "subject", Value: "operator"},
					&cli.StringSliceFlag{Name: "role", Value: cli.NewStringSlice(auth.RoleUploader)},
					&cli.DurationFlag{Name: "ttl", Value: 12 * time.Hour},
				},
				Action: func(cCtx *cli.Context) error {
					tokens, err := auth.NewAdminTokens(cCtx.String(flagAdminSecret.Name))
					if err != nil {
						return err
					}
					token, err := tokens.GenerateToken(cCtx.String("subject"), cCtx.StringSlice("role"), cCtx.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Println(token)
					return nil
				},
			},
			{
				Name:      "sign",
				Usage:     "print the X-Signature for a device request",
				ArgsUsage: "<secret-hex> <method> <path>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "body", Usage: "file holding the request body, - for stdin"},
				},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 3 {
						return cli.Exit("sign needs <secret-hex> <method> <path>", 2)
					}
					body, err := readBody(cCtx.String("body"))
					if err != nil {
						return err
					}
					args := cCtx.Args()
					sig, err := auth.SignHex(args.Get(0), strings.ToUpper(args.Get(1)), args.Get(2), body)
					if err != nil {
						return err
					}
					fmt.Println(sig)
					return nil
				},
			},
			{
				Name:      "pack",
				Usage:     "pack a directory into a reproducible app bundle",
				ArgsUsage: "<dir> <out.tar>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "top-level name inside the archive (default: directory name)"},
				},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 2 {
						return cli.Exit("pack needs <dir> <out.tar>", 2)
					}
					src, out := cCtx.Args().Get(0), cCtx.Args().Get(1)
					name := cCtx.String("name")
					if name == "" {
						name = filepath.Base(filepath.Clean(src))
					}
					return packTo(out, src, name)
				},
			},
			{
				Name:      "upload",
				Usage:     "publish a new app bundle version",
				ArgsUsage: "<bundle.tar>",
				Flags: []cli.Flag{
					flagServer,
					flagToken,
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "title", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					if cCtx.NArg() != 1 {
						return cli.Exit("upload needs <bundle.tar>", 2)
					}
					return upload(cCtx.Context, cCtx.String(flagServer.Name), cCtx.String(flagToken.Name),
						cCtx.String("name"), cCtx.String("title"), cCtx.Args().First())
				},
			},
			{
				Name:  "health",
				Usage: "query the gRPC health service",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: "127.0.0.1:9090", EnvVars: []string{"BADGE_GRPC_ADDR"}},
					&cli.StringFlag{Name: "service", Value: ""},
				},
				Action: func(cCtx *cli.Context) error {
					return health(cCtx.Context, cCtx.String("addr"), cCtx.String("service"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func readBody(path string) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return io.ReadAll(os.Stdin)
	default:
		return os.ReadFile(path)
	}
}

func packTo(out, src, name string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := archive.Pack(f, src, name); err != nil {
		_ = f.Close()
		_ = os.Remove(out)
		return err
	}
	return f.Close()
}

func upload(ctx context.Context, server, token, name, title, path string) error {
	blob, err := os.Open(path)
	if err != nil {
		return err
	}
	defer blob.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("name", name)
	_ = mw.WriteField("title", title)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, blob); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/admin/apps", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload failed: %s: %s", resp.Status, bytes.TrimSpace(out))
	}
	fmt.Println(string(bytes.TrimSpace(out)))
	return nil
}

func health(ctx context.Context, addr, service string) error {
	client, err := healthcheck.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := healthcheck.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, service)
	if err != nil {
		return err
	}
	out, err := healthcheck.Format(resp)
	if err != nil {
		return err
	}
	fmt.Println(out)
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return cli.Exit("", 1)
	}
	return nil
}
