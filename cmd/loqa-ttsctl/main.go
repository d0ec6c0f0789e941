package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
)

var version = "0.1.0-dev"

func main() {
	var configPath, wavPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "loqa-tts.yaml", "Path to configuration file")
	inspectCmd := flag.NewFlagSet("inspect", flag.ExitOnError)
	inspectCmd.StringVar(&wavPath, "file", "", "Path to a WAV file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'inspect' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if cfg.Speaker.RefPath != "" {
			if _, err := audio.DecodeFile(cfg.Speaker.RefPath); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		}
		fmt.Println("config valid")
	case "inspect":
		inspectCmd.Parse(os.Args[2:])
		if wavPath == "" {
			fmt.Fprintln(os.Stderr, "inspect requires -file")
			os.Exit(2)
		}
		if err := runInspect(os.Stdout, wavPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runInspect(w io.Writer, path string) error {
	buf, format, err := audio.DecodeFileFormat(path)
	if err != nil {
		return err
	}
	var peak float32
	for _, s := range buf.Samples {
		peak = max(peak, s, -s)
	}
	fmt.Fprintf(w, "format:      %s\n", format)
	fmt.Fprintf(w, "sample_rate: %d\n", buf.SampleRate)
	fmt.Fprintf(w, "samples:     %d\n", buf.Len())
	fmt.Fprintf(w, "duration:    %s\n", buf.Duration())
	fmt.Fprintf(w, "peak:        %.4f\n", peak)
	return nil
}
