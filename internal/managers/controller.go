package managers

import (
	"context"
	"fmt"
	"sync"

	"github.com/chrissnell/wmii/internal/controllers/api"
	"github.com/chrissnell/wmii/pkg/config"
	"go.uber.org/zap"
)

// ControllerManager interface for the controller manager
type ControllerManager interface {
	StartControllers() error
}

// Controller is an interface that provides standard methods for various controller backends
type Controller interface {
	StartController() error
}

// NewControllerManager creates a controller manager with the API controller
// when the configuration enables one
func NewControllerManager(ctx context.Context, wg *sync.WaitGroup, configProvider config.ConfigProvider, deps api.Deps, logger *zap.SugaredLogger) (ControllerManager, error) {
	cm := &controllerManager{
		logger:      logger,
		controllers: make([]Controller, 0),
	}

	apiConfig, err := configProvider.GetAPIConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading API configuration: %w", err)
	}

	if apiConfig != nil {
		controller, err := api.NewController(ctx, wg, *apiConfig, deps, logger)
		if err != nil {
			return nil, fmt.Errorf("error creating API controller: %w", err)
		}
		cm.controllers = append(cm.controllers, controller)
	}

	return cm, nil
}

type controllerManager struct {
	logger      *zap.SugaredLogger
	controllers []Controller
}

func (c *controllerManager) StartControllers() error {
	c.logger.Info("Starting controller manager...")

	for _, controller := range c.controllers {
		if err := controller.StartController(); err != nil {
			return fmt.Errorf("error starting controller: %w", err)
		}
	}

	c.logger.Infof("Started %d controllers successfully", len(c.controllers))
	return nil
}
