// Package vap implements the Audio-VAP Adapter: a lightweight
// turn-taking probability estimator over raw mic PCM, published
// continuously as VAP IUs. It stands in for a full turn-taking model
// treated as an external collaborator — the Dialogue Controller only
// depends on the probability metadata field, so a statistical model
// can later replace this detector untouched.
//
// Built on the same energy-threshold/vote-window heuristic used for
// barge-in detection elsewhere, repurposed from "fire a callback once
// a threshold is crossed" to "publish a continuous probability".
package vap

import "math"

// Frame10ms is one 10 ms mono PCM16 frame at the detector's sample rate.
type Frame10ms []int16

type energyVAD struct {
	threshold float64
	smoothN   int
	win       []bool
}

func newEnergyVAD(threshold float64, smoothN int) *energyVAD {
	if smoothN <= 0 {
		smoothN = 4
	}
	return &energyVAD{threshold: threshold, smoothN: smoothN}
}

func (v *energyVAD) isSpeech(frame Frame10ms) bool {
	if len(frame) == 0 {
		return false
	}
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	b := rms >= v.threshold
	v.win = append(v.win, b)
	if len(v.win) > v.smoothN {
		v.win = v.win[len(v.win)-v.smoothN:]
	}
	trueCount := 0
	for _, x := range v.win {
		if x {
			trueCount++
		}
	}
	return trueCount*2 >= len(v.win)
}

// voteWindow tracks a boolean vote's true-ratio over a sliding time
// window, expressed in frame counts since every frame is a fixed
// duration.
type voteWindow struct {
	hist []bool
	max  int
}

func newVoteWindow(frames int) *voteWindow {
	if frames <= 0 {
		frames = 1
	}
	return &voteWindow{max: frames}
}

func (v *voteWindow) push(b bool) {
	v.hist = append(v.hist, b)
	if len(v.hist) > v.max {
		v.hist = v.hist[len(v.hist)-v.max:]
	}
}

func (v *voteWindow) ratio() float64 {
	if len(v.hist) == 0 {
		return 0
	}
	t := 0
	for _, b := range v.hist {
		if b {
			t++
		}
	}
	return float64(t) / float64(len(v.hist))
}

// Detector turns a stream of 10 ms PCM frames into a turn-taking
// probability in [0,1], smoothed over a sliding vote window.
type Detector struct {
	vad    *energyVAD
	votes  *voteWindow
	frameN int // samples per 10ms frame
}

// NewDetector returns a Detector for the given sample rate, energy
// threshold (RMS), and vote window size in frames.
func NewDetector(sampleRate int, energyThreshold float64, voteWindowFrames int) *Detector {
	return &Detector{
		vad:    newEnergyVAD(energyThreshold, 4),
		votes:  newVoteWindow(voteWindowFrames),
		frameN: sampleRate / 100,
	}
}

// FeedPCM16 splits pcm (little-endian int16 mono samples) into 10 ms
// frames and returns the probability after processing the last
// complete frame; ok is false if pcm contained no complete frame.
func (d *Detector) FeedPCM16(pcm []int16) (probability float64, ok bool) {
	if d.frameN <= 0 || len(pcm) < d.frameN {
		return 0, false
	}
	for off := 0; off+d.frameN <= len(pcm); off += d.frameN {
		frame := Frame10ms(pcm[off : off+d.frameN])
		d.votes.push(d.vad.isSpeech(frame))
		ok = true
	}
	if !ok {
		return 0, false
	}
	return d.votes.ratio(), true
}
