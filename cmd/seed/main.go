// seed inserts development sample data for local testing. Run via ./scripts/seed.sh.
// Idempotent: skips inserts if the dev project already has the sample experiment.
// With JWT_PRIVATE_KEY set it also prints a bearer token for the dev user.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	captureservice "experiment-tracking/backend/internal/capturesession/service"
	"experiment-tracking/backend/internal/config"
	"experiment-tracking/backend/internal/db"
	experimentrepo "experiment-tracking/backend/internal/experiment/repository"
	experimentservice "experiment-tracking/backend/internal/experiment/service"
	"experiment-tracking/backend/internal/lifecycle"
	"experiment-tracking/backend/internal/policy/engine"
	runservice "experiment-tracking/backend/internal/run/service"
	"experiment-tracking/backend/internal/security"
	sensorservice "experiment-tracking/backend/internal/sensor/service"
	"experiment-tracking/backend/internal/server"
	"experiment-tracking/backend/internal/statemachine"
)

const (
	devProjectID      = "dev-project-001"
	devUserID         = "dev-user-001"
	devExperimentName = "dev sample: thermal soak"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}
	ctx := context.Background()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	repos := server.PostgresRepositories(conn)
	svcs := server.NewServices(repos, nil, nil, server.Limits{})

	existing, err := svcs.Experiments.List(ctx, devProjectID, experimentrepo.ListFilter{})
	if err != nil {
		log.Fatalf("list experiments: %v", err)
	}
	seeded := false
	for _, e := range existing {
		if e.Name == devExperimentName {
			seeded = true
			break
		}
	}
	if seeded {
		log.Println("seed: dev data already present, skipping inserts")
	} else if err := seed(ctx, svcs); err != nil {
		log.Fatalf("seed: %v", err)
	}

	// The default policy is stored explicitly so it can be edited per project.
	if _, err := conn.ExecContext(ctx, `INSERT INTO project_policies (id, project_id, rules, enabled, created_at)
SELECT $1, $2, $3, true, $4 WHERE NOT EXISTS (SELECT 1 FROM project_policies WHERE project_id = $2)`,
		uuid.New().String(), devProjectID, engine.DefaultRegoPolicy, time.Now().UTC()); err != nil {
		log.Fatalf("seed policy: %v", err)
	}

	if cfg.JWTPrivateKey == "" {
		return
	}
	signer, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("jwt private key: %v", err)
	}
	issuer := security.NewTokenIssuer(signer, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	token, exp, err := issuer.Issue(devUserID, map[string]string{devProjectID: "owner"})
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Printf("dev token (owner of %s, expires %s):\n%s\n", devProjectID, exp.Format(time.RFC3339), token)
}

func seed(ctx context.Context, svcs *server.Services) error {
	owner := lifecycle.Actor{UserID: devUserID, Role: "owner"}

	exp, err := svcs.Experiments.Create(ctx, devProjectID, devUserID, experimentservice.CreateInput{
		Name:        devExperimentName,
		Description: "Sample data created by cmd/seed",
		Tags:        []string{"dev", "thermal"},
	})
	if err != nil {
		return fmt.Errorf("experiment: %w", err)
	}
	run, err := svcs.Runs.Create(ctx, devProjectID, exp.ID, devUserID, runservice.CreateInput{
		Name:   "soak 1",
		Params: map[string]any{"setpoint_c": 85, "hold_minutes": 30},
	})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	reg, err := svcs.Sensors.Register(ctx, devProjectID, devUserID, sensorservice.RegisterInput{
		Name:        "chamber thermocouple",
		Type:        "thermocouple",
		InputUnit:   "mV",
		DisplayUnit: "C",
		InitialProfile: &sensorservice.ProfileInput{
			Version: "v1",
			Kind:    "linear",
			Payload: map[string]any{"slope": 24.4, "offset": 0.0},
			Status:  statemachine.StatusActive,
		},
	})
	if err != nil {
		return fmt.Errorf("sensor: %w", err)
	}
	cs, err := svcs.CaptureSessions.Create(ctx, devProjectID, run.ID, devUserID, captureservice.CreateInput{Notes: "seeded"})
	if err != nil {
		return fmt.Errorf("capture session: %w", err)
	}

	steps := []lifecycle.TransitionRequest{
		{Kind: statemachine.KindExperiment, ID: exp.ID, Target: statemachine.StatusRunning},
		{Kind: statemachine.KindRun, ID: run.ID, Target: statemachine.StatusRunning},
		{Kind: statemachine.KindCaptureSession, ID: cs.ID, Target: statemachine.StatusRunning},
	}
	for _, st := range steps {
		st.ProjectID = devProjectID
		st.Actor = owner
		st.Reason = "seed"
		if _, err := svcs.Lifecycle.Transition(ctx, st); err != nil {
			return fmt.Errorf("transition %s %s: %w", st.Kind, st.ID, err)
		}
	}

	log.Printf("seed: project %s experiment %s run %s capture session %s", devProjectID, exp.ID, run.ID, cs.ID)
	fmt.Printf("sensor %s token (shown once): %s\n", reg.Sensor.ID, reg.Token)
	return nil
}
