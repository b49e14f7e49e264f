// timers prints kernel timers and their associated module DPCs from a raw
// Windows kernel memory image.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/WithSecureLabs/volatility-plugins/ktimer"
	"github.com/WithSecureLabs/volatility-plugins/winimage"

	"github.com/phuslu/log"
)

// ScanReport is the machine-readable output for one analysis run.
type ScanReport struct {
	Image   string            `json:"image"`
	Version string            `json:"version"`
	Era     string            `json:"era"`
	Timers  []ktimer.TimerRow `json:"timers"`
}

func runScan(imagePath string, configPath string, listHead uint64) (*ScanReport, error) {
	cfg, err := winimage.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	prof, err := cfg.OSProfile()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	era, err := ktimer.SelectEra(prof)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("invalid image: %w", err)
	}
	img := winimage.NewRawImage(winimage.Region{VA: uint64(cfg.ImageBase), Data: data})

	modules := cfg.BuildModules(img, prof)

	var kdbg *ktimer.DebuggerData
	if cfg.DebuggerData != 0 {
		kdbg = ktimer.NewDebuggerData(img, prof, winimage.LayoutsFor(prof), uint64(cfg.DebuggerData))
	}

	if listHead == 0 {
		listHead = uint64(cfg.TimerTable)
	}

	rows, err := ktimer.Run(img, prof, modules, kdbg, ktimer.Options{TimerTable: listHead})
	if err != nil {
		return nil, err
	}

	bits := 32
	if prof.Is64Bit {
		bits = 64
	}
	return &ScanReport{
		Image:   imagePath,
		Version: fmt.Sprintf("%d.%d build %d (%d-bit)", prof.Major, prof.Minor, prof.Build, bits),
		Era:     era.String(),
		Timers:  rows,
	}, nil
}

func printForHuman(w *bufio.Writer, report *ScanReport) {
	fmt.Fprintf(w, "Kernel: %s, timer table era: %s\n\n", report.Version, report.Era)
	fmt.Fprintf(w, "%-18s %-24s %-10s %-10s %-18s %s\n",
		"Offset(V)", "DueTime", "Period(ms)", "Signaled", "Routine", "Module")

	for _, row := range report.Timers {
		fmt.Fprintf(w, "%-18s %-24s %-10d %-10s %-18s %s\n",
			fmt.Sprintf("%#x", row.Offset),
			row.DueTime,
			row.Period,
			row.Signaled,
			fmt.Sprintf("%#x", row.Routine),
			row.Module)
	}

	if len(report.Timers) == 0 {
		fmt.Fprintln(w, "<NO TIMERS RECOVERED>")
	}
}

func parseLogLevel(levelStr string) log.Level {
	switch levelStr {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func textToJSON(key string, text string) string {
	return fmt.Sprintf("{\"%s\": %q}", key, text)
}

func main() {
	stdout := bufio.NewWriter(os.Stdout)
	defer stdout.Flush()

	configPath := flag.String("config", "", "Analysis config (yaml): OS profile, image base, module snapshot, optional overrides")
	listHead := flag.String("listhead", "", "Virtual address of nt!KiTimerTableListHead, bypasses signature scanning")
	humanView := flag.Bool("human", false, "Human view, print a table rather than json")
	logLevel := flag.String("loglevel", "warn", "Log level: trace, debug, info, warn, error")

	flag.Parse()

	log.DefaultLogger = log.Logger{
		Level: parseLogLevel(*logLevel),
		Writer: &log.ConsoleWriter{
			Writer:         os.Stderr,
			EndWithMessage: true,
		},
	}

	if flag.NArg() != 1 || *configPath == "" {
		fmt.Println(textToJSON("error", "usage: timers -config <analysis.yaml> [-listhead 0xADDR] <memory image>"))
		os.Exit(1)
	}

	var override uint64
	if *listHead != "" {
		v, err := strconv.ParseUint(*listHead, 0, 64)
		if err != nil {
			fmt.Println(textToJSON("error", fmt.Sprintf("invalid -listhead: %s", err)))
			os.Exit(1)
		}
		override = v
	}

	report, err := runScan(flag.Arg(0), *configPath, override)
	if err != nil {
		fmt.Println(textToJSON("error", fmt.Sprintf("scan failed: %s", err)))
		os.Exit(1)
	}

	if *humanView {
		printForHuman(stdout, report)
		return
	}

	jsonBytes, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		fmt.Println(textToJSON("error", "failed to format output"))
		os.Exit(1)
	}
	fmt.Fprintln(stdout, string(jsonBytes))
}
