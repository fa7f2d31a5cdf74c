package fetch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Remuxer converts downloaded audio payloads into decodable FLAC files.
type Remuxer interface {
	// Remux rewraps a fragmented MP4 payload into a FLAC file.
	Remux(ctx context.Context, src, dst string) error
	// Convert transcodes an arbitrary audio file into a FLAC file.
	Convert(ctx context.Context, src, dst string) error
	// Concat joins FLAC inputs, in order, into a single FLAC file.
	Concat(ctx context.Context, inputs []string, dst string) error
}

// FFmpeg runs the ffmpeg binary for remux, convert, and concat.
type FFmpeg struct {
	Bin string
}

func NewFFmpeg() *FFmpeg {
	return &FFmpeg{Bin: "ffmpeg"}
}

func (f *FFmpeg) Remux(ctx context.Context, src, dst string) error {
	args := []string{
		"-y", "-loglevel", "error",
		"-i", src,
		"-map", "0:a:0",
		"-c:a", "flac",
		"-compression_level", "5",
		dst,
	}
	if err := f.run(ctx, args); err != nil {
		// ffmpeg rejecting the payload means the codec is not one we
		// can play, not a transient condition.
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return nil
}

func (f *FFmpeg) Convert(ctx context.Context, src, dst string) error {
	args := []string{
		"-y", "-loglevel", "error",
		"-i", src,
		"-map", "0:a:0",
		"-map_metadata", "0",
		"-c:a", "flac",
		"-compression_level", "5",
		dst,
	}
	if err := f.run(ctx, args); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return nil
}

// Concat uses ffmpeg's concat demuxer with a generated list file so the
// inputs are joined sample-exact without re-encoding artifacts between them.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, dst string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no inputs to concatenate")
	}
	if len(inputs) == 1 {
		return f.Convert(ctx, inputs[0], dst)
	}

	listFile, err := writeConcatList(inputs, filepath.Dir(dst))
	if err != nil {
		return err
	}
	defer os.Remove(listFile)

	args := []string{
		"-y", "-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c:a", "flac",
		"-compression_level", "5",
		dst,
	}
	if err := f.run(ctx, args); err != nil {
		return fmt.Errorf("concat failed: %w", err)
	}
	return nil
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	bin := f.Bin
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	log.Debug().Msgf("Running %s %s", bin, strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %s: %w", bin, msg, err)
		}
		return fmt.Errorf("%s: %w", bin, err)
	}
	return nil
}

// Concat list entries need single quotes escaped per ffmpeg's rules.
func writeConcatList(inputs []string, dir string) (string, error) {
	tmp, err := os.CreateTemp(dir, "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create concat list: %w", err)
	}

	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", fmt.Errorf("failed to resolve input path: %w", err)
		}
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		if _, err := fmt.Fprintf(tmp, "file '%s'\n", escaped); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", fmt.Errorf("failed to write concat list: %w", err)
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close concat list: %w", err)
	}
	return tmp.Name(), nil
}
