package cli

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/wlshot/internal/config"
	apperrors "github.com/GriffinCanCode/wlshot/internal/errors"
	"github.com/GriffinCanCode/wlshot/internal/screen"
	"github.com/GriffinCanCode/wlshot/internal/screencopy"
	"github.com/GriffinCanCode/wlshot/internal/wayland"
)

type fakeCapturer struct {
	requests []screen.Request
	closed   bool
}

func (f *fakeCapturer) Capture(ctx context.Context, req screen.Request) (*screen.Frame, bool, error) {
	fr, err := f.CaptureAlways(ctx, req)
	return fr, err == nil, err
}

func (f *fakeCapturer) CaptureAlways(_ context.Context, req screen.Request) (*screen.Frame, error) {
	f.requests = append(f.requests, req)
	return &screen.Frame{
		Image:      image.NewRGBA(image.Rect(0, 0, 32, 16)),
		Output:     "DP-1",
		Backend:    config.BackendWayland,
		CapturedAt: time.Unix(1700000000, 0),
	}, nil
}

func (f *fakeCapturer) Outputs() ([]wayland.OutputInfo, error) {
	return []wayland.OutputInfo{
		{Name: "DP-1", Description: "Dell U2720Q", Width: 1920, Height: 1080, Refresh: 60000, Scale: 1},
		{Name: "eDP-1", X: 1920, Width: 2560, Height: 1440, Scale: 2},
	}, nil
}

func (f *fakeCapturer) Backend() string { return config.BackendWayland }
func (f *fakeCapturer) Close()          { f.closed = true }

// useFakeCapturer routes capturer creation to a fake and records the
// config it was created with.
func useFakeCapturer(t *testing.T) (*fakeCapturer, **config.Config) {
	t.Helper()
	fake := &fakeCapturer{}
	var got *config.Config
	orig := newCapturer
	newCapturer = func(_ context.Context, cfg *config.Config) (screen.Capturer, error) {
		got = cfg
		return fake, nil
	}
	t.Cleanup(func() { newCapturer = orig })
	return fake, &got
}

// executeCommand runs a fresh root command with args and returns captured stdout
func executeCommand(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	root := NewRootCommand()
	if root.Use != "wlshot" {
		t.Errorf("Use = %q, want %q", root.Use, "wlshot")
	}
	for _, name := range []string{"output", "slurp", "cursor", "format", "list-outputs"} {
		if root.Flags().Lookup(name) == nil {
			t.Errorf("missing flag --%s", name)
		}
	}
	var serve *cobra.Command
	for _, c := range root.Commands() {
		if c.Name() == "serve" {
			serve = c
		}
	}
	if serve == nil {
		t.Fatal("missing serve subcommand")
	}
	if serve.Flags().Lookup("addr") == nil {
		t.Error("serve is missing --addr")
	}
}

func TestListOutputs(t *testing.T) {
	fake, _ := useFakeCapturer(t)
	out, err := executeCommand(t, nil, "--list-outputs")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	for _, want := range []string{
		"DP-1\n",
		"description: Dell U2720Q",
		"mode: 1920x1080@60.000Hz",
		"eDP-1\n",
		"position: 1920,0",
		"logical size: 1280x720",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if len(fake.requests) != 0 {
		t.Error("listing outputs should not capture")
	}
	if !fake.closed {
		t.Error("capturer not closed")
	}
}

func TestCaptureToStdout(t *testing.T) {
	useFakeCapturer(t)
	out, err := executeCommand(t, nil, "--stdout", "-f", "ppm")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(out, "P6\n32 16\n255\n") {
		t.Errorf("stdout does not start with a PPM header: %q", out[:min(len(out), 16)])
	}
	if want := len("P6\n32 16\n255\n") + 32*16*3; len(out) != want {
		t.Errorf("stdout length = %d, want %d", len(out), want)
	}
}

func TestCaptureToFile(t *testing.T) {
	useFakeCapturer(t)
	path := filepath.Join(t.TempDir(), "shot.png")
	if _, err := executeCommand(t, nil, "--file", path); err != nil {
		t.Fatalf("execute: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 16 {
		t.Errorf("size = %v", img.Bounds().Size())
	}
}

func TestCaptureDefaultFilename(t *testing.T) {
	useFakeCapturer(t)
	dir := t.TempDir()
	t.Chdir(dir)

	if _, err := executeCommand(t, nil, "-f", "jpeg"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "1700000000-wlshot.jpg")); err != nil {
		t.Errorf("default file not written: %v", err)
	}
}

func TestCaptureRequest(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		stdin  string
		args   []string
		output string
		region *screencopy.Region
		cursor bool
	}{
		{"defaults", "", "", nil, "", nil, false},
		{"env output", "HDMI-A-1", "", nil, "HDMI-A-1", nil, false},
		{"flag overrides env", "HDMI-A-1", "", []string{"-o", "DP-2"}, "DP-2", nil, false},
		{"cursor", "", "", []string{"-c"}, "", nil, true},
		{"slurp", "", "", []string{"-s", "10,20 300x200"}, "", &screencopy.Region{X: 10, Y: 20, Width: 300, Height: 200}, false},
		{"slurp from stdin", "", "5,6 7x8\n", []string{"-s", "-"}, "", &screencopy.Region{X: 5, Y: 6, Width: 7, Height: 8}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WLSHOT_OUTPUT", tt.env)
			fake, _ := useFakeCapturer(t)
			args := append([]string{"--stdout"}, tt.args...)
			if _, err := executeCommand(t, strings.NewReader(tt.stdin), args...); err != nil {
				t.Fatalf("execute: %v", err)
			}
			if len(fake.requests) != 1 {
				t.Fatalf("captures = %d, want 1", len(fake.requests))
			}
			req := fake.requests[0]
			if req.Output != tt.output || req.Cursor != tt.cursor {
				t.Errorf("request = %+v", req)
			}
			if (req.Region == nil) != (tt.region == nil) || (req.Region != nil && *req.Region != *tt.region) {
				t.Errorf("region = %v, want %v", req.Region, tt.region)
			}
		})
	}
}

func TestFlagsReachConfig(t *testing.T) {
	_, got := useFakeCapturer(t)
	_, err := executeCommand(t, nil, "--stdout", "--timeout", "1500ms", "--scale-to-logical", "--backend", "X11", "--log-level", "debug")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	cfg := *got
	if cfg.CaptureTimeout != 1500*time.Millisecond || !cfg.ScaleToLogical || cfg.Backend != config.BackendX11 || cfg.LogLevel != "debug" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestInvalidInvocations(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code apperrors.Code
	}{
		{"bad format", []string{"-f", "gif"}, apperrors.CodeConfigInvalid},
		{"bad backend", []string{"--backend", "fbdev"}, apperrors.CodeConfigInvalid},
		{"bad region", []string{"-s", "somewhere"}, apperrors.CodeInvalidArgument},
		{"empty region", []string{"-s", "0,0 0x10"}, apperrors.CodeInvalidArgument},
		{"file and stdout", []string{"--file", "x.png", "--stdout"}, apperrors.CodeUnknown},
		{"positional argument", []string{"shot.png"}, apperrors.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, _ := useFakeCapturer(t)
			_, err := executeCommand(t, nil, tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := apperrors.CodeOf(err); got != tt.code {
				t.Errorf("code = %s, want %s (%v)", got, tt.code, err)
			}
			if len(fake.requests) != 0 {
				t.Error("nothing should be captured")
			}
		})
	}
}

func TestServe(t *testing.T) {
	fake, _ := useFakeCapturer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, config.Load(), ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/capture?output=DP-1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	if !fake.closed {
		t.Error("capturer not closed on shutdown")
	}
}
