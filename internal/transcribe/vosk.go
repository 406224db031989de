//go:build vosk

package transcribe

import (
	"errors"
	"fmt"

	vosk "github.com/alphacep/vosk-api/go"
)

// NewVoskEngine returns the native offline engine backed by libvosk.
func NewVoskEngine() (Engine, error) {
	vosk.SetLogLevel(-1)
	return voskEngine{}, nil
}

type voskEngine struct{}

func (voskEngine) LoadModel(path string) (Model, error) {
	m, err := vosk.NewModel(path)
	if err != nil {
		return nil, err
	}
	return &voskModel{m: m}, nil
}

type voskModel struct {
	m *vosk.VoskModel
}

func (vm *voskModel) NewRecognizer(sampleRate float64) (Recognizer, error) {
	r, err := vosk.NewRecognizer(vm.m, sampleRate)
	if err != nil {
		return nil, err
	}
	r.SetWords(1)
	r.SetMaxAlternatives(0)
	return &voskRecognizer{r: r}, nil
}

func (vm *voskModel) Free() { vm.m.Free() }

type voskRecognizer struct {
	r *vosk.VoskRecognizer
}

var errWaveform = errors.New("vosk rejected waveform")

func (v *voskRecognizer) AcceptWaveform(pcm []byte) (bool, error) {
	switch rc := v.r.AcceptWaveform(pcm); rc {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("%w: code %d", errWaveform, rc)
	}
}

func (v *voskRecognizer) Result() string      { return v.r.Result() }
func (v *voskRecognizer) FinalResult() string { return v.r.FinalResult() }
func (v *voskRecognizer) Free()               { v.r.Free() }
