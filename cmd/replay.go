package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kilianp07/powerguard/config"
	"github.com/kilianp07/powerguard/core/control"
	"github.com/kilianp07/powerguard/core/device"
	"github.com/kilianp07/powerguard/core/events"
	"github.com/kilianp07/powerguard/core/mitigation"
	"github.com/kilianp07/powerguard/core/model"
	"github.com/kilianp07/powerguard/infra/logger"
)

var replayCmd = &cobra.Command{
	Use:   "replay <scenario.yaml>",
	Short: "Run a recorded power scenario against the guard configuration",
	Long: "replay feeds the samples of a scenario file through the guard using in-memory " +
		"devices and prints every decision. Nothing is sent to the broker.",
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

// Scenario is a replay input file.
type Scenario struct {
	Devices []ScenarioDevice `yaml:"devices"`
	Samples []ScenarioSample `yaml:"samples"`
}

// ScenarioDevice declares an in-memory device and its capability values.
type ScenarioDevice struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Values map[string]any `yaml:"values"`
}

// ScenarioSample is one meter reading at an offset from the scenario start.
// Set changes device values before the reading is evaluated.
type ScenarioSample struct {
	At     time.Duration             `yaml:"at"`
	PowerW float64                   `yaml:"power_w"`
	Set    map[string]map[string]any `yaml:"set"`
}

// LoadScenario parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	for i := 1; i < len(sc.Samples); i++ {
		if sc.Samples[i].At < sc.Samples[i-1].At {
			return nil, fmt.Errorf("sample %d goes back in time", i)
		}
	}
	return &sc, nil
}

type replayClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *replayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *replayClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type eventLog struct {
	mu  sync.Mutex
	got []events.Notification
}

func (l *eventLog) Publish(n events.Notification) {
	l.mu.Lock()
	l.got = append(l.got, n)
	l.mu.Unlock()
}

func (l *eventLog) drain() []events.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.got
	l.got = nil
	return out
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	sc, err := LoadScenario(args[0])
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	return Replay(cmd.Context(), cmd.OutOrStdout(), cfg.Guard, sc)
}

// Replay runs the scenario and writes the decisions to out.
func Replay(ctx context.Context, out io.Writer, guard model.Config, sc *Scenario) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reg := device.NewMemoryRegistry()
	for _, d := range sc.Devices {
		reg.Add(d.ID, d.Name, d.Values)
	}
	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &replayClock{t: start}
	evs := &eventLog{}

	engine, err := mitigation.NewEngine(mitigation.Options{
		Registry:  reg,
		Publisher: evs,
		Logger:    logger.New("replay"),
		Now:       clock.Now,
	})
	if err != nil {
		return err
	}
	defer engine.Close()
	driver, err := control.NewDriver(control.Options{
		Engine:    engine,
		Publisher: evs,
		Logger:    logger.New("replay"),
		Now:       clock.Now,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- driver.Run(ctx) }()
	for !driver.Running() {
		select {
		case err := <-done:
			return err
		case <-time.After(time.Millisecond):
		}
	}
	if err := driver.UpdateConfig(ctx, guard); err != nil {
		return fmt.Errorf("guard config: %w", err)
	}

	fmt.Fprintf(out, "limit %.0f W, %d devices, %d samples\n", guard.EffectiveLimitW(), len(sc.Devices), len(sc.Samples))
	for _, s := range sc.Samples {
		clock.Set(start.Add(s.At))
		for id, values := range s.Set {
			for capability, v := range values {
				reg.Update(id, capability, v)
			}
		}
		reg.ResetWrites()
		if err := driver.Process(ctx, model.PowerSample{Value: s.PowerW, Source: model.SourcePush}); err != nil {
			return err
		}
		st := driver.Status()
		smoothed := 0.0
		if st.CurrentPowerW != nil {
			smoothed = *st.CurrentPowerW
		}
		fmt.Fprintf(out, "%8s %8.0f W  smoothed %8.0f W  over %d  mitigated %d\n",
			s.At, s.PowerW, smoothed, st.OverLimitCount, len(st.MitigatedDevices))
		for _, d := range sc.Devices {
			for _, w := range reg.WritesFor(d.ID) {
				fmt.Fprintf(out, "         set %s.%s = %v\n", w.DeviceID, w.Capability, w.Value)
			}
		}
		for _, n := range evs.drain() {
			fmt.Fprintf(out, "         event %s %v\n", n.Type, n.Tokens())
		}
	}

	fmt.Fprintln(out, "ledger:")
	for _, rec := range engine.Ledger() {
		fmt.Fprintf(out, "  %-20s %-18s since %s\n", rec.Name, rec.Action, rec.MitigatedAt.Sub(start))
	}
	cancel()
	return <-done
}
