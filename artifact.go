// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/driverpower/driverpower/gbm"
	"golang.org/x/crypto/blake2b"
)

// ModelInfo is the provenance and test configuration of a trained
// model.
type ModelInfo struct {
	ModelName      string
	PvalDispersion float64
	Theta          float64
	KFold          int
	Params         gbm.Params
	FeatureNames   []string // all training features, in table order
	UseFeatures    []string // features the model was fitted on
	ProjectName    string
	ModelDir       string
	ScalerMode     string
	ResponseMode   string // count definition used to train the model
	Created        time.Time
}

// ModelArtifact is everything inference needs to reproduce
// predictions.
type ModelArtifact struct {
	Info   ModelInfo
	Model  BackgroundModel
	Scaler *Scaler
}

// artifactEnvelope wraps the gob-encoded artifact with its checksum.
type artifactEnvelope struct {
	Payload []byte
	Blake2b [blake2b.Size256]byte
}

var errChecksum = errors.New("model artifact checksum mismatch")

func artifactPath(dir, project, model string) string {
	return filepath.Join(dir, project+"."+model+".model.gob")
}

func encodeArtifact(w io.Writer, art *ModelArtifact) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(art); err != nil {
		return err
	}
	env := artifactEnvelope{Payload: buf.Bytes(), Blake2b: blake2b.Sum256(buf.Bytes())}
	return gob.NewEncoder(w).Encode(&env)
}

func decodeArtifact(r io.Reader) (*ModelArtifact, error) {
	var env artifactEnvelope
	if err := gob.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}
	if blake2b.Sum256(env.Payload) != env.Blake2b {
		return nil, errChecksum
	}
	var art ModelArtifact
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&art); err != nil {
		return nil, err
	}
	if art.Model == nil {
		return nil, errors.New("model artifact has no model")
	}
	return &art, nil
}

func writeArtifact(fnm string, art *ModelArtifact) error {
	return writeAtomic(fnm, func(w io.Writer) error { return encodeArtifact(w, art) })
}

func readArtifact(fnm string) (*ModelArtifact, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	art, err := decodeArtifact(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return art, nil
}
