// attitude-report runs the navigation estimator against recorded sensor
// runs and serves the live monitor. Recording raw sensor streams is handled
// by the feeder commands under cmd/.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/attitude.report/internal/config"
	"github.com/banshee-data/attitude.report/internal/monitor"
	"github.com/banshee-data/attitude.report/internal/nav"
	"github.com/banshee-data/attitude.report/internal/navdb"
	"github.com/banshee-data/attitude.report/internal/replay"
	"github.com/banshee-data/attitude.report/internal/version"
)

var (
	dbFile      = flag.String("db", "nav_data.db", "Path to the nav database")
	listen      = flag.String("listen", ":8080", "Monitor listen address")
	tuningFile  = flag.String("tuning", "", "Optional JSON tuning overlay")
	runID       = flag.String("run", "", "Run id (default: most recent)")
	mqttBroker  = flag.String("mqtt", "", "Optional MQTT broker URL, e.g. tcp://localhost:1883")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: attitude-report [flags] <command>

Commands:
  list      List recorded runs
  replay    Replay a recorded run through the estimator and store solutions
  serve     Replay a run while serving the live monitor on -listen

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("attitude-report %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	params := nav.DefaultParams()
	if *tuningFile != "" {
		cfg, err := config.LoadTuningConfig(*tuningFile)
		if err != nil {
			log.Fatalf("failed to load tuning: %v", err)
		}
		cfg.Apply(&params)
		log.Printf("applied tuning overlay from %s", *tuningFile)
	}

	db, err := navdb.NewNavDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	var cmdErr error
	switch flag.Arg(0) {
	case "list":
		cmdErr = runList(db)
	case "replay":
		cmdErr = runReplay(db, params)
	case "serve":
		cmdErr = runServe(db, params)
	default:
		usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		log.Fatal(cmdErr)
	}
}

func resolveRun(db *navdb.NavDB) (string, error) {
	if *runID != "" {
		return *runID, nil
	}
	runs, err := db.Runs()
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no runs recorded in %s", *dbFile)
	}
	return runs[0].RunID, nil
}

func runList(db *navdb.NavDB) error {
	runs, err := db.Runs()
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s  started_ns=%d  %s\n", r.RunID, r.StartedUnixNs, r.Notes)
	}
	return nil
}

func runReplay(db *navdb.NavDB, params nav.Params) error {
	id, err := resolveRun(db)
	if err != nil {
		return err
	}
	r := &replay.Replayer{DB: db, Params: params}
	res, err := r.Run(id)
	if err != nil {
		return err
	}
	if err := r.Record(res); err != nil {
		return err
	}
	for name, s := range res.Stats {
		log.Printf("replay: %-4s test ratio mean=%.4f p95=%.4f max=%.4f", name, s.Mean, s.P95, s.Max)
	}
	return nil
}

func runServe(db *navdb.NavDB, params nav.Params) error {
	id, err := resolveRun(db)
	if err != nil {
		return err
	}

	ws := monitor.NewWebServer(monitor.WebServerConfig{Address: *listen})

	var pub *monitor.MQTTPublisher
	if *mqttBroker != "" {
		pub, err = monitor.NewMQTTPublisher(*mqttBroker, "attitude-report", "")
		if err != nil {
			return err
		}
		defer pub.Close()
	}

	r := &replay.Replayer{DB: db, Params: params}
	r.OnSolution = func(e *nav.Ekf, timeUs uint64) {
		snap := monitor.Snapshot(e, timeUs)
		ws.Publish(snap)
		if pub != nil {
			pub.Publish(snap)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- ws.Start() }()
	go func() {
		res, err := r.Run(id)
		if err != nil {
			errCh <- err
			return
		}
		if err := r.Record(res); err != nil {
			errCh <- err
			return
		}
		log.Printf("replay of %s complete; monitor stays up until interrupted", id)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Printf("received %v, shutting down", s)
		return nil
	}
}
