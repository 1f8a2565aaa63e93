package modelstore

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"iot-anomaly-pipeline/analytics"
)

// formatVersion is bumped whenever the envelope or forest layout
// changes incompatibly. Load rejects any other version.
const formatVersion = 1

// ErrCorrupt wraps every artifact that fails decoding or verification.
var ErrCorrupt = errors.New("corrupt model artifact")

// envelope is the on-disk artifact. Digest is blake3 over the encoded
// metadata followed by the uncompressed forest encoding.
type envelope struct {
	Version int      `cbor:"version"`
	Meta    metadata `cbor:"meta"`
	Digest  []byte   `cbor:"digest"`
	Payload []byte   `cbor:"payload"`
}

type metadata struct {
	Room           string    `cbor:"room"`
	FeatureColumns []string  `cbor:"feature_columns"`
	Contamination  float64   `cbor:"contamination"`
	TrainedAt      time.Time `cbor:"trained_at"`
	Samples        int       `cbor:"samples"`
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("modelstore: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("modelstore: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("modelstore: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("modelstore: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeModel(model *analytics.Model) ([]byte, error) {
	meta := metadata{
		Room:           model.Room,
		FeatureColumns: model.FeatureColumns,
		Contamination:  model.Contamination,
		TrainedAt:      model.TrainedAt.UTC(),
		Samples:        model.Samples,
	}

	metaBytes, err := encMode.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	forestBytes, err := encMode.Marshal(model.Forest)
	if err != nil {
		return nil, fmt.Errorf("encoding forest: %w", err)
	}

	data, err := encMode.Marshal(envelope{
		Version: formatVersion,
		Meta:    meta,
		Digest:  digest(metaBytes, forestBytes),
		Payload: zstdEncoder.EncodeAll(forestBytes, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

func decodeModel(data []byte) (*analytics.Model, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("%w: format version %d, want %d", ErrCorrupt, env.Version, formatVersion)
	}

	forestBytes, err := zstdDecoder.DecodeAll(env.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}

	metaBytes, err := encMode.Marshal(env.Meta)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
	}
	if !bytes.Equal(env.Digest, digest(metaBytes, forestBytes)) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}

	var forest analytics.IsolationForest
	if err := decMode.Unmarshal(forestBytes, &forest); err != nil {
		return nil, fmt.Errorf("%w: forest: %v", ErrCorrupt, err)
	}

	model := &analytics.Model{
		Room:           env.Meta.Room,
		FeatureColumns: env.Meta.FeatureColumns,
		Contamination:  env.Meta.Contamination,
		TrainedAt:      env.Meta.TrainedAt,
		Samples:        env.Meta.Samples,
		Forest:         &forest,
	}
	if err := model.Check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return model, nil
}

func digest(meta, forest []byte) []byte {
	hasher := blake3.New()
	hasher.Write(meta)
	hasher.Write(forest)
	return hasher.Sum(nil)
}
