package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dentalops/clinicsched/libs/config"
	"github.com/dentalops/clinicsched/libs/db"
	"github.com/dentalops/clinicsched/libs/eventx"
	"github.com/dentalops/clinicsched/libs/httpx"
	"github.com/dentalops/clinicsched/libs/kafkax"
	otelx "github.com/dentalops/clinicsched/libs/otel"
	"github.com/dentalops/clinicsched/libs/runtime"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/audit"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/handlers"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/scheduling"
	"github.com/dentalops/clinicsched/services/scheduling-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8083")
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

	outboxRepo := eventx.NewOutboxRepository(pool)
	auditRepo := audit.NewRepository(pool)
	apptRepo := storage.NewAppointmentRepository(pool, outboxRepo, auditRepo)
	idemRepo := storage.NewIdempotencyRepository(pool)
	schedulingService := scheduling.NewService(apptRepo)

	brokers := config.String("KAFKA_BROKERS", "")
	outboxPublisher := eventx.NewPublisher(pool, outboxRepo, logger, eventx.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	inboxRepo := eventx.NewInboxRepository(pool)
	feedbackConsumer := eventx.NewConsumer(logger, inboxRepo, eventx.ConsumerConfig{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", "scheduling-service"),
		Topic:   config.String("KAFKA_FEEDBACK_TOPIC", "feedback.submitted.v1"),
	}, func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			AppointmentID string `json:"appointment_id"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if payload.AppointmentID == "" {
			logger.Error("missing appointment_id in feedback event", "topic", msg.Topic)
			return nil
		}
		updated, err := apptRepo.MarkFeedbackReceived(ctx, payload.AppointmentID)
		if err != nil {
			return err
		}
		if !updated {
			logger.Warn("feedback for unknown or non-completed appointment", "appointment_id", payload.AppointmentID)
		}
		return nil
	})
	go feedbackConsumer.Run(ctx)

	appointmentHandler := handlers.NewAppointmentHandler(schedulingService, apptRepo, auditRepo, idemRepo, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	appointmentHandler.Register(mux)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
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
