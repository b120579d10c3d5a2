package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address      string
	Concurrency  int
	RequestCount int
	Duration     time.Duration
	BatchSize    int
	AuthToken    string
	ReportFile   string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	RejectedOps    int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

func main() {
	config := parseFlags()

	fmt.Println("=== HieraChain BFT Arrow Server Stress Test ===")
	fmt.Printf("Target: %s\n", config.Address)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Batch size: %d\n", config.BatchSize)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Printf("Auth: %v\n", config.AuthToken != "")
	fmt.Println()

	result := runStressTest(config)

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Address, "addr", "127.0.0.1:50052", "Arrow server address")
	flag.IntVar(&config.Concurrency, "c", 10, "Number of concurrent workers")
	flag.IntVar(&config.RequestCount, "n", 0, "Total number of batches (0 = unlimited, use -d instead)")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of test")
	flag.IntVar(&config.BatchSize, "b", 10, "Requests per batch")
	flag.StringVar(&config.AuthToken, "token", "", "Authentication token (enables the handshake)")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	if config.BatchSize < 1 {
		config.BatchSize = 1
	}
	return config
}

// counters are shared by all workers.
type counters struct {
	totalReqs    atomic.Int64
	successReqs  atomic.Int64
	failedReqs   atomic.Int64
	rejectedOps  atomic.Int64
	totalLatency atomic.Int64
	minLatency   atomic.Int64
	maxLatency   atomic.Int64
	budget       atomic.Int64
}

func runStressTest(config StressTestConfig) StressTestResult {
	var (
		c        counters
		wg       sync.WaitGroup
		stopChan = make(chan struct{})
	)
	c.minLatency.Store(1<<63 - 1)
	c.budget.Store(int64(config.RequestCount))

	startTime := time.Now()

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, config, stopChan, &c)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-time.After(config.Duration):
		close(stopChan)
		<-done
	case <-done:
	}

	duration := time.Since(startTime)
	success := c.successReqs.Load()

	var avgLatency time.Duration
	if success > 0 {
		avgLatency = time.Duration(c.totalLatency.Load() / success)
	}
	minLat := c.minLatency.Load()
	if success == 0 {
		minLat = 0
	}

	return StressTestResult{
		TotalRequests:  c.totalReqs.Load(),
		SuccessfulReqs: success,
		FailedReqs:     c.failedReqs.Load(),
		RejectedOps:    c.rejectedOps.Load(),
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(c.maxLatency.Load()),
		RequestsPerSec: float64(c.totalReqs.Load()) / duration.Seconds(),
	}
}

// takeBatch reserves one batch from the -n budget. A zero budget is unlimited.
func (c *counters) takeBatch(limited bool) bool {
	if !limited {
		return true
	}
	return c.budget.Add(-1) >= 0
}

func runWorker(id int, config StressTestConfig, stop chan struct{}, c *counters) {
	log := logrus.WithField("worker", id)
	var client *api.ArrowClient
	defer func() {
		if client != nil {
			client.Close()
		}
	}()

	seq := 0
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !c.takeBatch(config.RequestCount > 0) {
			return
		}

		if client == nil {
			var err error
			client, err = api.DialArrow(config.Address, config.AuthToken, 5*time.Second)
			if err != nil {
				c.totalReqs.Add(1)
				c.failedReqs.Add(1)
				log.WithError(err).Debug("Connect failed")
				// Small sleep on error to avoid hammering
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}

		reqs := make([]*consensus.Request, config.BatchSize)
		for i := range reqs {
			seq++
			reqs[i] = &consensus.Request{
				ClientID:  fmt.Sprintf("stress-%d", id),
				Timestamp: int64(seq),
				Operation: []byte(fmt.Sprintf("SET stress-%d-%d %d", id, seq, time.Now().UnixNano())),
			}
		}

		start := time.Now()
		receipts, err := client.SubmitBatch(reqs)
		latency := int64(time.Since(start))
		c.totalReqs.Add(1)

		if err != nil {
			c.failedReqs.Add(1)
			log.WithError(err).Debug("Batch failed")
			client.Close()
			client = nil
			time.Sleep(10 * time.Millisecond)
			continue
		}

		c.successReqs.Add(1)
		c.totalLatency.Add(latency)
		for _, r := range receipts {
			if r.Error != "" {
				c.rejectedOps.Add(1)
			}
		}
		for {
			old := c.minLatency.Load()
			if latency >= old || c.minLatency.CompareAndSwap(old, latency) {
				break
			}
		}
		for {
			old := c.maxLatency.Load()
			if latency <= old || c.maxLatency.CompareAndSwap(old, latency) {
				break
			}
		}
	}
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Batches:   %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, percent(result.SuccessfulReqs, result.TotalRequests))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, percent(result.FailedReqs, result.TotalRequests))
	fmt.Printf("Rejected ops:    %d\n", result.RejectedOps)
	fmt.Printf("Batches/sec:     %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":     config.Address,
			"concurrency": config.Concurrency,
			"batch_size":  config.BatchSize,
			"duration":    config.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_batches":   result.TotalRequests,
			"successful":      result.SuccessfulReqs,
			"failed":          result.FailedReqs,
			"rejected_ops":    result.RejectedOps,
			"batches_per_sec": result.RequestsPerSec,
			"avg_latency_ms":  float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":  float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":  float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		logrus.WithError(err).Error("Failed to write report")
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
