package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/mattn/go-shellwords"
)

// execEngine runs an external inference command once per request. The
// command reads one JSON request on stdin and writes JSON lines of base64
// little-endian float32 PCM on stdout.
type execEngine struct {
	cmd        []string
	sampleRate int
	speakers   map[string]execSpeaker
}

type execSpeaker struct {
	modelPath string
	refText   string
	refWAV    string
}

type execRequest struct {
	Speaker      string `json:"speaker"`
	ModelPath    string `json:"model_path,omitempty"`
	Text         string `json:"text"`
	RefText      string `json:"ref_text"`
	RefWAVBase64 string `json:"ref_wav_base64"`
	SampleRate   int    `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_f32le_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

func NewExec(command string, sampleRate int) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &execEngine{cmd: args, sampleRate: sampleRate, speakers: make(map[string]execSpeaker)}, nil
}

func (e *execEngine) CreateSpeaker(_ context.Context, spk Speaker) error {
	if spk.Name == "" {
		return fmt.Errorf("speaker name is empty")
	}
	ref, err := audio.Encode(spk.RefAudio)
	if err != nil {
		return fmt.Errorf("encode reference audio: %w", err)
	}
	e.speakers[spk.Name] = execSpeaker{
		modelPath: spk.ModelPath,
		refText:   spk.RefText,
		refWAV:    base64.StdEncoding.EncodeToString(ref),
	}
	return nil
}

func (e *execEngine) Infer(ctx context.Context, speaker, text string) ([]float32, error) {
	spk, ok := e.speakers[speaker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpeaker, speaker)
	}
	data, err := json.Marshal(execRequest{
		Speaker:      speaker,
		ModelPath:    spk.modelPath,
		Text:         text,
		RefText:      spk.refText,
		RefWAVBase64: spk.refWAV,
		SampleRate:   e.sampleRate,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine command: %w", err)
	}

	// abort stops a command whose output is no longer being read.
	abort := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	var samples []float32
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			abort()
			return nil, fmt.Errorf("decode engine response: %w", err)
		}
		if resp.Error != "" {
			abort()
			return nil, fmt.Errorf("engine: %s", resp.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			abort()
			return nil, fmt.Errorf("decode engine pcm: %w", err)
		}
		chunk, err := float32FromLE(pcm)
		if err != nil {
			abort()
			return nil, err
		}
		samples = append(samples, chunk...)
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return samples, nil
}

func (e *execEngine) SampleRate() int { return e.sampleRate }

func (e *execEngine) Close() error { return nil }

func float32FromLE(pcm []byte) ([]float32, error) {
	if len(pcm)%4 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	out := make([]float32, len(pcm)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
	}
	return out, nil
}
