package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agenda-planner/internal/bot"
	"agenda-planner/internal/config"
	"agenda-planner/internal/repository"
	"agenda-planner/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	userRepo := repository.NewUserRepository(db)
	categoryRepo := repository.NewCategoryRepository(db)
	templateRepo := repository.NewTemplateRepository(db)

	clock := service.NewSystemClock(cfg.Location)
	categorySvc := service.NewCategoryService(categoryRepo)
	templateSvc := service.NewTemplateService(templateRepo, categoryRepo, clock)
	agendaSvc := service.NewAgendaService(templateRepo, categoryRepo)

	telegramBot, err := bot.New(cfg.TelegramToken, userRepo, categorySvc, templateSvc, agendaSvc, clock, &cfg)
	if err != nil {
		log.Fatalf("bot: %v", err)
	}

	scheduler := service.NewSchedulerService(cfg.Location)
	if _, err := scheduler.ScheduleDaily(cfg.AgendaTime, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := telegramBot.SendDailyAgendas(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("daily agenda: %v", err)
		}
	}); err != nil {
		log.Fatalf("schedule daily agenda: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	log.Println("Agenda planner bot started.")
	if err := telegramBot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("bot stopped with error: %v", err)
	}
	log.Println("Shutdown complete.")
}
