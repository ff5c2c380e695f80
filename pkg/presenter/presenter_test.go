package presenter

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func newTestPresenter() (*TerminalPresenter, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewWithOptions(&out, &errOut, ColorNever), &out, &errOut
}

func TestSuccess(t *testing.T) {
	p, out, _ := newTestPresenter()
	p.Success("installed")
	assert.Contains(t, out.String(), "✓ installed")
}

func TestErrorWithContext(t *testing.T) {
	p, _, errOut := newTestPresenter()
	p.Error(errors.New("boom"), "failed to install")
	assert.Contains(t, errOut.String(), "[ERROR] failed to install: boom")
}

func TestErrorNil(t *testing.T) {
	p, _, errOut := newTestPresenter()
	p.Error(nil, "context")
	assert.Empty(t, errOut.String())
}

func TestQuietSuppressesInfoButNotErrors(t *testing.T) {
	p, out, errOut := newTestPresenter()
	p.SetQuiet(true)

	p.Info("hello")
	p.Success("done")
	p.Warning("careful")
	p.Section("Skills")
	p.Separator()
	assert.Empty(t, out.String())

	p.Error(errors.New("boom"), "")
	assert.Contains(t, errOut.String(), "boom")
}

func TestSection(t *testing.T) {
	p, out, _ := newTestPresenter()
	p.Section("Installed")
	assert.Contains(t, out.String(), "Installed\n---------")
}
