// Command loadtest simulates concurrent phone calls against the gateway: it
// starts each call over REST, streams audio through the media websocket the
// way the telephony provider does, and counts the advisories the call feed
// delivers.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/callassist/internal/audio"
	"github.com/hubenschmidt/callassist/internal/callrecord"
	"github.com/hubenschmidt/callassist/internal/ws"
)

const (
	sampleRate  = 16000
	frameLength = 20 * time.Millisecond
)

func main() {
	gateway := flag.String("gateway", "http://localhost:8000", "gateway base URL")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "/samples", "directory with sample WAV files")
	agent := flag.String("agent", "loadtest", "agent identity for started calls")
	number := flag.String("remote-number", "+15555550100", "remote number reported for each call")
	codecName := flag.String("codec", "pcm", "media encoding sent to the gateway: pcm, ulaw or alaw")
	flag.Parse()

	format, ok := mediaFormats[*codecName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown codec %q\n", *codecName)
		os.Exit(2)
	}

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", *audioDir)
		files = nil
	}

	fmt.Printf("Load test: %d concurrent calls for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s | Agent: %s\n\n", *gateway, *agent)

	var mu sync.Mutex
	var results []callResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)
	sim := simulator{base: strings.TrimSuffix(*gateway, "/"), agent: *agent, number: *number, format: format}

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				r := sim.runCall(getAudio(files))
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results)
}

type callResult struct {
	success      bool
	setupMs      float64
	firstAdvisMs float64
	advisories   int
	categories   map[string]int
	err          string
}

type simulator struct {
	base   string
	agent  string
	number string
	format mediaFormat
}

// mediaFormat is how the simulated provider encodes inbound audio.
type mediaFormat struct {
	codec    audio.Codec
	encoding string
	rate     int
}

var mediaFormats = map[string]mediaFormat{
	"pcm":  {codec: audio.CodecPCM, encoding: "audio/x-l16", rate: sampleRate},
	"ulaw": {codec: audio.CodecG711Ulaw, encoding: "audio/x-mulaw", rate: 8000},
	"alaw": {codec: audio.CodecG711Alaw, encoding: "audio/x-alaw", rate: 8000},
}

type startResponse struct {
	Session struct {
		CallID string `json:"call_id"`
	} `json:"session"`
	MediaURL string `json:"media_url"`
}

func (s simulator) runCall(samples []int16) callResult {
	started := time.Now()
	start, err := s.startCall()
	if err != nil {
		return callResult{err: err.Error()}
	}
	callID := start.Session.CallID

	feedURL := strings.Replace(s.base, "http", "ws", 1) + "/ws/advisories?call_id=" + callID
	feed, _, err := websocket.DefaultDialer.Dial(feedURL, nil)
	if err != nil {
		return callResult{err: fmt.Sprintf("dial feed: %v", err)}
	}
	defer feed.Close()

	media, _, err := websocket.DefaultDialer.Dial(start.MediaURL, nil)
	if err != nil {
		return callResult{err: fmt.Sprintf("dial media: %v", err)}
	}
	defer media.Close()
	setup := time.Since(started)

	streamStart := time.Now()
	watched := make(chan callResult, 1)
	go func() { watched <- watchFeed(feed, streamStart) }()

	if err = streamCall(media, callID, samples, s.format); err != nil {
		return callResult{err: err.Error()}
	}

	select {
	case r := <-watched:
		r.setupMs = float64(setup.Milliseconds())
		return r
	case <-time.After(60 * time.Second):
		return callResult{err: "feed never reported call end"}
	}
}

func (s simulator) startCall() (*startResponse, error) {
	body, _ := json.Marshal(map[string]string{"agent_id": s.agent, "remote_number": s.number})
	resp, err := http.Post(s.base+"/api/calls", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("start call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("start call: status %d", resp.StatusCode)
	}
	var out startResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("start call: %w", err)
	}
	return &out, nil
}

// streamCall plays samples in real time using the provider's media stream
// protocol, then stops the stream.
func streamCall(conn *websocket.Conn, callID string, samples []int16, format mediaFormat) error {
	streamSID := "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	callSID := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")

	msgs := []map[string]any{
		{"event": "connected", "protocol": "Call", "version": "1.0.0"},
		{"event": "start", "streamSid": streamSID, "start": map[string]any{
			"callSid":          callSID,
			"customParameters": map[string]string{"call_id": callID},
			"mediaFormat":      map[string]any{"encoding": format.encoding, "sampleRate": format.rate, "channels": 1},
		}},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			return fmt.Errorf("send %s: %w", m["event"], err)
		}
	}

	samples = audio.Resample(samples, sampleRate, format.rate)
	perFrame := int(int64(format.rate) * int64(frameLength) / int64(time.Second))

	ticker := time.NewTicker(frameLength)
	defer ticker.Stop()
	for i := 0; i < len(samples); i += perFrame {
		end := min(i+perFrame, len(samples))
		data, err := audio.Encode(samples[i:end], format.codec)
		if err != nil {
			return err
		}
		err = conn.WriteJSON(map[string]any{
			"event":     "media",
			"streamSid": streamSID,
			"media":     map[string]string{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(data)},
		})
		if err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		<-ticker.C
	}

	return conn.WriteJSON(map[string]any{"event": "stop", "streamSid": streamSID, "stop": map[string]string{"callSid": callSID}})
}

// watchFeed reads advisory frames until the call ends.
func watchFeed(conn *websocket.Conn, since time.Time) callResult {
	r := callResult{categories: map[string]int{}}
	seen := map[string]bool{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
	for {
		var f ws.Frame
		if err := conn.ReadJSON(&f); err != nil {
			r.err = fmt.Sprintf("read feed: %v", err)
			return r
		}
		for _, m := range f.Messages {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			if r.advisories == 0 {
				r.firstAdvisMs = float64(time.Since(since).Milliseconds())
			}
			r.advisories++
			r.categories[string(m.Category)]++
		}
		if f.CallEnded {
			r.success = true
			return r
		}
	}
}

func getAudio(files []string) []int16 {
	if len(files) > 0 {
		data, err := os.ReadFile(files[rand.Intn(len(files))])
		if err == nil {
			if samples, err := callrecord.DecodeWAV(data, sampleRate); err == nil {
				return samples
			}
		}
	}
	return generateSyntheticAudio(3 * time.Second)
}

func generateSyntheticAudio(dur time.Duration) []int16 {
	numSamples := int(dur.Seconds()) * sampleRate
	out := make([]int16, numSamples)

	for i := range numSamples {
		t := float64(i) / float64(sampleRate)
		// 440Hz sine wave with some noise to trigger VAD
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		out[i] = int16(sample * math.MaxInt16)
	}
	return out
}

func findAudioFiles(dir string) ([]string, error) {
	var files []string
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(results []callResult) {
	var succeeded, failed, advisories int
	var setupAll, firstAll []float64
	categories := map[string]int{}
	errs := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		setupAll = append(setupAll, r.setupMs)
		advisories += r.advisories
		if r.advisories > 0 {
			firstAll = append(firstAll, r.firstAdvisMs)
		}
		for c, n := range r.categories {
			categories[c] += n
		}
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Calls completed: %d\n", succeeded)
	fmt.Printf("Calls failed:    %d\n", failed)
	for e, n := range errs {
		fmt.Printf("  %4d x %s\n", n, e)
	}

	if len(setupAll) == 0 {
		fmt.Println("No successful calls to report metrics")
		return
	}

	fmt.Printf("Advisories:      %d (%.1f per call)\n", advisories, float64(advisories)/float64(succeeded))
	for c, n := range categories {
		fmt.Printf("  %-10s %d\n", c, n)
	}

	fmt.Printf("\n%-14s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	fmt.Printf("%-14s %8.0fms %8.0fms %8.0fms\n", "Setup", percentile(setupAll, 50), percentile(setupAll, 95), percentile(setupAll, 99))
	if len(firstAll) > 0 {
		fmt.Printf("%-14s %8.0fms %8.0fms %8.0fms\n", "First advisory", percentile(firstAll, 50), percentile(firstAll, 95), percentile(firstAll, 99))
	}
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
