package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dentalops/clinicsched/libs/config"
	"github.com/dentalops/clinicsched/libs/db"
	"github.com/dentalops/clinicsched/libs/eventx"
	"github.com/dentalops/clinicsched/libs/kafkax"
	otelx "github.com/dentalops/clinicsched/libs/otel"
	"github.com/dentalops/clinicsched/libs/runtime"
	"github.com/dentalops/clinicsched/services/reminder-service/internal/jobs"
)

type bookingEvent struct {
	Type            string `json:"type"`
	AppointmentID   string `json:"appointment_id"`
	PatientID       string `json:"patient_id"`
	ProviderID      string `json:"provider_id"`
	ScheduledAt     string `json:"scheduled_at"`
	DurationMinutes int    `json:"duration_minutes"`
	ServiceType     string `json:"service_type"`
	Status          string `json:"status"`
}

func parseReminderOffsets(raw string, logger *slog.Logger) []time.Duration {
	var offsets []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mins, err := strconv.Atoi(part)
		if err != nil || mins <= 0 {
			logger.Warn("invalid reminder offset", "value", part)
			continue
		}
		offsets = append(offsets, time.Duration(mins)*time.Minute)
	}
	if len(offsets) == 0 {
		offsets = []time.Duration{24 * time.Hour}
	}
	return offsets
}

func main() {
	service := config.String("SERVICE_NAME", "reminder-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	jobRepo := jobs.NewRepository()
	outboxRepo := eventx.NewOutboxRepository(pool)
	inboxRepo := eventx.NewInboxRepository(pool)
	offsets := parseReminderOffsets(config.String("REMINDER_OFFSETS_MINUTES", "1440,60"), logger)

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "reminder-service")

	replan := func(ctx context.Context, evt bookingEvent) error {
		scheduledAt, err := time.Parse(time.RFC3339, evt.ScheduledAt)
		if err != nil {
			logger.Error("invalid scheduled_at in booking event", "err", err, "appointment_id", evt.AppointmentID)
			return nil
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		// A reschedule moves the reminders wholesale: drop the old plan,
		// write the new one.
		if err := jobRepo.CancelPending(ctx, tx, evt.AppointmentID); err != nil {
			return err
		}
		planned := jobs.PlanReminders(evt.AppointmentID, evt.PatientID, evt.ProviderID, evt.ServiceType, scheduledAt, offsets, time.Now().UTC())
		for _, job := range planned {
			if err := jobRepo.Insert(ctx, tx, job); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	}

	cancelPlan := func(ctx context.Context, appointmentID string) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := jobRepo.CancelPending(ctx, tx, appointmentID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	startConsumer := func(topic string, handler eventx.Handler) {
		if strings.TrimSpace(topic) == "" {
			return
		}
		c := eventx.NewConsumer(logger, inboxRepo, eventx.ConsumerConfig{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, handler)
		go c.Run(ctx)
	}

	onBooked := func(ctx context.Context, msg kafka.Message) error {
		var evt bookingEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.AppointmentID == "" || evt.ScheduledAt == "" {
			logger.Error("missing required event fields", "topic", msg.Topic)
			return nil
		}
		return replan(ctx, evt)
	}

	startConsumer(config.String("KAFKA_SCHEDULED_TOPIC", "appointment.scheduled.v1"), onBooked)
	startConsumer(config.String("KAFKA_RESCHEDULED_TOPIC", "appointment.rescheduled.v1"), onBooked)
	startConsumer(config.String("KAFKA_CANCELLED_TOPIC", "appointment.cancelled.v1"), func(ctx context.Context, msg kafka.Message) error {
		var evt bookingEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.AppointmentID == "" {
			logger.Error("missing appointment_id", "topic", msg.Topic)
			return nil
		}
		return cancelPlan(ctx, evt.AppointmentID)
	})

	worker := jobs.NewWorker(pool, jobRepo, outboxRepo, logger, jobs.WorkerConfig{
		Interval:  config.Duration("WORKER_INTERVAL", 2*time.Second),
		BatchSize: config.Int("WORKER_BATCH_SIZE", 50),
		Backoff:   config.Duration("WORKER_BACKOFF", time.Minute),
	})
	go worker.Run(ctx)

	outboxPublisher := eventx.NewPublisher(pool, outboxRepo, logger, eventx.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
