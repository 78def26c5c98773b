package cli

import (
	"fmt"
	"log"

	"rustdrone/internal/classifier"
	"rustdrone/internal/config"
	"rustdrone/internal/drone"
	"rustdrone/internal/frame"
	"rustdrone/internal/frame/camera"
	"rustdrone/internal/hud"
	"rustdrone/internal/session"
)

func newSource(cfg *config.Config, logger *log.Logger) (frame.Source, error) {
	switch cfg.Source.Kind {
	case frame.KindScene:
		return frame.NewSceneSource(cfg.Source.Scenes, logger), nil
	case frame.KindWeb:
		return frame.NewWebSource(cfg.Source.PageURL, cfg.Source.Selector, nil, logger), nil
	case frame.KindCamera:
		return camera.New(camera.Config{
			Device:         cfg.Source.Device,
			Width:          cfg.Source.Width,
			Height:         cfg.Source.Height,
			AcquireTimeout: cfg.Source.AcquireTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported frame source: %s", cfg.Source.Kind)
	}
}

func newFilter(cfg *config.Config) (frame.Filter, error) {
	return frame.FilterByName(cfg.Filter, cfg.FilterSeed)
}

// buildDrone assembles a drone from cfg. Nothing is acquired or loaded until
// the drone boots.
func buildDrone(cfg *config.Config, presenter hud.Presenter, logger *log.Logger) (*drone.Drone, error) {
	src, err := newSource(cfg, logger)
	if err != nil {
		return nil, err
	}
	return buildDroneWithSource(cfg, src, presenter, logger)
}

// buildDroneWithSource owns src from the call on: it is closed when the
// drone cannot be assembled.
func buildDroneWithSource(cfg *config.Config, src frame.Source, presenter hud.Presenter, logger *log.Logger) (d *drone.Drone, err error) {
	defer func() {
		if err != nil {
			if cerr := src.Close(); cerr != nil {
				logger.Printf("[CLI] Closing %s source failed: %v", src.Name(), cerr)
			}
		}
	}()

	sess, err := session.New(cfg.Settings(), cfg.Objectives)
	if err != nil {
		return nil, err
	}
	clf, err := classifier.New(cfg.ClassifierConfig(), logger)
	if err != nil {
		return nil, err
	}
	filter, err := newFilter(cfg)
	if err != nil {
		return nil, err
	}

	return drone.New(drone.Options{
		Session:          sess,
		Source:           src,
		Classifier:       clf,
		ClassifierName:   cfg.Classifier.Backend,
		Filter:           filter,
		Presenter:        presenter,
		Logger:           logger,
		ResultCap:        cfg.ResultCap,
		ScanCost:         cfg.ScanCost,
		ClassifyFiltered: cfg.ClassifyFiltered,
		ScanTimeout:      cfg.ScanTimeout,
		TickInterval:     cfg.TickInterval,
		TickDrain:        cfg.TickDrain,
		BootLineDelay:    cfg.Boot.LineDelay,
		BootReadyPause:   cfg.Boot.ReadyPause,
	})
}

// dialHUD connects the MQTT presenter when it is enabled. A broker that
// cannot be reached is logged and skipped.
func dialHUD(cfg *config.Config, logger *log.Logger) *hud.MQTT {
	if !cfg.HUD.MQTT.Enabled {
		return nil
	}
	m, err := hud.DialMQTT(hud.MQTTConfig{
		Broker:      cfg.HUD.MQTT.Broker,
		ClientID:    cfg.HUD.MQTT.ClientID,
		TopicPrefix: cfg.HUD.MQTT.TopicPrefix,
		QoS:         cfg.HUD.MQTT.QoS,
		Format:      cfg.HUD.MQTT.Format,
	}, logger)
	if err != nil {
		logger.Printf("[CLI] MQTT HUD disabled: %v", err)
		return nil
	}
	return m
}
