package driver

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/despacho/internal/common"
	"github.com/ternarybob/despacho/internal/interfaces"
	"github.com/ternarybob/despacho/internal/models"
	"golang.org/x/time/rate"
)

// Service drives the portal for one order at a time per caller. Each
// invocation launches its own browser; the only state shared between
// invocations is the portal-wide rate limiter, which keeps concurrent
// workers from hammering the login endpoint in lockstep.
type Service struct {
	config  *common.Config
	logger  arbor.ILogger
	limiter *rate.Limiter
}

// NewService creates the browser driver service.
func NewService(config *common.Config, logger arbor.ILogger) interfaces.OrderDriver {
	return &Service{
		config: config,
		logger: logger,
		// One portal entry per 2 seconds across all workers.
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// ExecuteOrder runs the full step pipeline for one consultora. It never
// panics outward and never returns nil: every failure mode is folded into
// the OrderResult so the worker task can decide retry vs terminal.
func (d *Service) ExecuteOrder(ctx context.Context, consultoraCode string, products []models.ProductRef, progress models.ProgressFunc) *models.OrderResult {
	start := time.Now()
	rec := newRecorder(d.logger, progress)
	result := &models.OrderResult{CurrentStep: models.StepStarting}

	defer func() {
		result.DurationSeconds = time.Since(start).Seconds()
		result.StepLog = rec.entries
		result.CurrentStep = rec.currentStep
	}()

	rec.step(models.StepStarting, "Starting order for consultora "+consultoraCode)

	if err := d.limiter.Wait(ctx); err != nil {
		d.fail(result, rec, newNavigationError(models.StepPreflight, "", "cancelled before start", err))
		return result
	}

	rec.step(models.StepPreflight, "Launching browser session")

	s, err := newSession(ctx, &d.config.Browser, d.config.Storage.Screenshot, d.logger)
	if err != nil {
		d.fail(result, rec, newNavigationError(models.StepPreflight, "", "browser launch failed", err))
		return result
	}
	defer s.close()

	e := &execution{s: s, rec: rec, portal: &d.config.Portal}

	if err := d.runPipeline(e, result, consultoraCode, products); err != nil {
		d.fail(result, rec, err)
		return result
	}

	rec.step(models.StepCompleted, "Order submitted")
	result.Success = true
	return result
}

func (d *Service) runPipeline(e *execution, result *models.OrderResult, consultoraCode string, products []models.ProductRef) error {
	if err := e.login(); err != nil {
		return err
	}
	if err := e.impersonate(); err != nil {
		return err
	}
	if err := e.search(consultoraCode); err != nil {
		return err
	}
	if err := e.confirm(); err != nil {
		return err
	}
	if err := e.selectCycle(); err != nil {
		return err
	}

	e.rec.step(models.StepExcel, "Generating upload file")
	path, cleanup, err := buildOrderFile(products)
	if err != nil {
		return newCartError(models.StepFileGeneration, "", "upload file generation failed", err)
	}
	defer cleanup()
	e.rec.info(models.StepFileGeneration, "Upload file written", map[string]interface{}{
		"products": len(products),
	})

	if err := e.navigateToCart(); err != nil {
		return err
	}

	invalidCodes, err := e.uploadOrderFile(path)
	if err != nil {
		return err
	}

	partitionProducts(result, products, invalidCodes)
	return nil
}

// partitionProducts applies the optimistic accounting rule: every submitted
// code counts as added unless validation produced a negative signal for it.
// Rejected codes become per-product failures so operators see which lines
// the portal refused; the portal exposes no programmatic per-row acceptance.
func partitionProducts(result *models.OrderResult, products []models.ProductRef, invalidCodes []string) {
	rejected := make(map[string]bool, len(invalidCodes))
	for _, code := range invalidCodes {
		rejected[code] = true
	}
	for _, p := range products {
		if rejected[p.ProductCode] {
			perr := newProductAddError(models.StepValidation, "", p.ProductCode, "portal rejected product code", nil)
			result.ProductsFailed = append(result.ProductsFailed, models.ProductFailure{
				ProductCode: p.ProductCode,
				Error:       perr.Error(),
			})
			continue
		}
		result.ProductsAdded = append(result.ProductsAdded, p)
	}
}

// fail folds a pipeline error into the result. Unexpected non-step errors
// are attributed to the current step so the timeline stays coherent.
func (d *Service) fail(result *models.OrderResult, rec *recorder, err error) {
	result.Success = false

	if se, ok := AsStepError(err); ok {
		result.Error = se.Error()
		result.ErrorStep = se.Step()
		result.ScreenshotPath = se.Screenshot()
	} else {
		result.Error = err.Error()
		result.ErrorStep = rec.currentStep
	}

	rec.error(result.ErrorStep, result.Error, result.ScreenshotPath)

	d.logger.Warn().
		Str("step", result.ErrorStep).
		Str("error", result.Error).
		Msg("Order pipeline failed")
}
