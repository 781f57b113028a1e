package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	ticks    int64
	failures int64
}

var (
	warnsTotal  int64
	errorsTotal int64
	streams     sync.Map // map[string]*streamStat
)

func recordWarn(string) {
	atomic.AddInt64(&warnsTotal, 1)
}

func recordError(string) {
	atomic.AddInt64(&errorsTotal, 1)
}

// IncrementTick records one completed tick for a stream.
func IncrementTick(stream string) {
	st := streamStatFor(stream)
	atomic.AddInt64(&st.ticks, 1)
}

// IncrementTickFailure records one failed tick for a stream.
func IncrementTickFailure(stream string) {
	st := streamStatFor(stream)
	atomic.AddInt64(&st.failures, 1)
}

func streamStatFor(stream string) *streamStat {
	v, _ := streams.LoadOrStore(stream, &streamStat{})
	return v.(*streamStat)
}

// StartReport begins periodic logging of runtime and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}

	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		st := v.(*streamStat)
		streamData[name] = map[string]int64{
			"ticks":    atomic.LoadInt64(&st.ticks),
			"failures": atomic.LoadInt64(&st.failures),
		}
		return true
	})

	fields := Fields{
		"warns_total":  atomic.LoadInt64(&warnsTotal),
		"errors_total": atomic.LoadInt64(&errorsTotal),
		"goroutines":   runtime.NumGoroutine(),
		"cpu_percent":  cpuPct,
		"memory_mb":    memMB,
		"streams":      streamData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		{MetricName: aws.String("WarnsTotal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsTotal)))},
		{MetricName: aws.String("ErrorsTotal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsTotal)))},
	}

	for name, stats := range streamData {
		dims := []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamTicks"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(stats["ticks"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamFailures"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
				Value:      aws.Float64(float64(stats["failures"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
