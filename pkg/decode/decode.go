// Package decode extracts physical signal values from raw bus frames
// using a dbc message definition. Both bit numbering conventions are
// supported, including multi-byte spans and boundary crossing.
package decode

import (
	"errors"

	"github.com/JanSpindler/blf2mdf/internal/domain"
	"github.com/JanSpindler/blf2mdf/pkg/dbc"
	"github.com/JanSpindler/blf2mdf/pkg/log"
)

// Frame decodes every eligible signal of msg from the frame payload.
// Samples come back in signal declaration order. Signals that cannot be
// decoded are omitted and reported through the returned error list;
// decoding of the remaining signals continues. Decoding is deterministic
// for a given payload.
func Frame(msg *dbc.Message, frame domain.RawFrame, logger log.Logger) (domain.SampleGroup, []error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	group := domain.SampleGroup{
		Bus:       frame.Bus,
		FrameID:   frame.ID,
		Message:   msg.Name,
		Timestamp: frame.Timestamp,
	}
	var errs []error

	// Resolve the multiplexer before anything else: the switch value
	// selects which multiplexed signals exist in this frame instance.
	var active map[*dbc.Signal]bool
	var muxBroken bool
	if msg.Mux != nil {
		raw, err := RawValue(msg.Mux.Switch, frame.Data)
		if err != nil {
			muxBroken = true
			errs = append(errs, &domain.MultiplexResolutionError{
				Switch:  msg.Mux.Switch.Name,
				FrameID: frame.ID,
			})
		} else {
			active = make(map[*dbc.Signal]bool)
			for _, sig := range msg.Mux.ByIndicator[signedRaw(msg.Mux.Switch, raw)] {
				active[sig] = true
			}
		}
	}

	for _, sig := range msg.Signals {
		if sig.MuxRole == dbc.MuxValue {
			if muxBroken || !active[sig] {
				continue
			}
		}
		raw, err := RawValue(sig, frame.Data)
		if err != nil {
			var rangeErr *domain.SignalRangeError
			if errors.As(err, &rangeErr) {
				rangeErr.FrameID = frame.ID
			}
			errs = append(errs, err)
			continue
		}
		sample := scale(sig, raw)
		// A [0|0] declaration means no advisory range.
		if (sig.Min != 0 || sig.Max != 0) && (sample.Value < sig.Min || sample.Value > sig.Max) {
			// Min/max in the database is advisory; the sample is
			// still emitted.
			logger.Debug("sample outside declared range",
				log.String("signal", sig.Name),
				log.Float64("value", sample.Value),
				log.Float64("min", sig.Min),
				log.Float64("max", sig.Max),
			)
		}
		group.Samples = append(group.Samples, sample)
	}
	return group, errs
}

// RawValue reconstructs the raw integer of one signal from the payload.
// It returns a SignalRangeError when the payload is shorter than the
// signal's declared bit range.
func RawValue(sig *dbc.Signal, data []byte) (uint64, error) {
	limit := len(data) * 8
	rangeErr := func() error {
		return &domain.SignalRangeError{Signal: sig.Name, PayloadLen: len(data)}
	}
	if sig.Length <= 0 || sig.Length > 64 || sig.StartBit < 0 {
		return 0, rangeErr()
	}

	var value uint64
	switch sig.ByteOrder {
	case dbc.LittleEndian:
		// LSB-first addressing: bit n of the payload contributes 2^i
		// for the i-th bit of the signal.
		if sig.StartBit+sig.Length > limit {
			return 0, rangeErr()
		}
		for i := 0; i < sig.Length; i++ {
			value |= uint64(bitAt(data, sig.StartBit+i)) << i
		}
	default:
		// MSB-first addressing: the start bit is the most significant
		// bit; the walk descends within each byte, then jumps to the
		// MSB end of the next byte.
		pos := sig.StartBit
		for i := 0; i < sig.Length; i++ {
			if pos < 0 || pos >= limit {
				return 0, rangeErr()
			}
			value = value<<1 | uint64(bitAt(data, pos))
			if pos%8 == 0 {
				pos += 15
			} else {
				pos--
			}
		}
	}
	return value, nil
}

// scale converts a raw integer into a DecodedSample, applying sign
// extension, factor/offset scaling and the value table.
func scale(sig *dbc.Signal, raw uint64) domain.DecodedSample {
	key := signedRaw(sig, raw)
	sample := domain.DecodedSample{Signal: sig.Name}
	if sig.Signed {
		sample.Value = float64(key)*sig.Factor + sig.Offset
	} else {
		sample.Value = float64(raw)*sig.Factor + sig.Offset
	}
	if label, ok := sig.Values[key]; ok {
		sample.Label = label
		sample.HasLabel = true
	}
	return sample
}

// signedRaw sign-extends raw when the signal is declared signed.
func signedRaw(sig *dbc.Signal, raw uint64) int64 {
	if !sig.Signed || sig.Length >= 64 {
		return int64(raw)
	}
	if raw&(1<<(sig.Length-1)) != 0 {
		return int64(raw | ^uint64(0)<<sig.Length)
	}
	return int64(raw)
}

func bitAt(data []byte, pos int) byte {
	return data[pos/8] >> (pos % 8) & 1
}
