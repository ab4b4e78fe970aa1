// Package shapes persists canvas shape documents and fans out change
// notifications to subscribers of each canvas.
package shapes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

var (
	// ErrShapeNotFound indicates that no shape exists under the canvas and id.
	ErrShapeNotFound = errors.New("shapes: shape not found")
	// ErrLockNotHeld indicates that a lease refresh came from a user who does not hold it.
	ErrLockNotHeld = errors.New("shapes: lock not held by caller")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "shapes.service.new"
	opCreate      = "shapes.create"
	opUpdate      = "shapes.update"
	opDelete      = "shapes.delete"
	opList        = "shapes.list"
	opSubscribe   = "shapes.subscribe"
	opSetLock     = "shapes.set_lock"
	opRefreshLock = "shapes.refresh_lock"
	opClearLock   = "shapes.clear_lock"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider canvas.IDProvider
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// Service is the server-side shape repository. Every write publishes a change
// event for its canvas; subscribers re-read the canvas on each event.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider canvas.IDProvider
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Create stores shape on canvasID, replacing any shape with the same id. An
// empty shape id is assigned from the id provider.
func (s *Service) Create(ctx context.Context, canvasID string, shape canvas.Shape) (canvas.Shape, error) {
	validCanvas, err := canvas.NewCanvasID(canvasID)
	if err != nil {
		return canvas.Shape{}, newServiceError(opCreate, "invalid_canvas_id", err)
	}
	if shape.Node.ID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err, zap.String("canvas_id", validCanvas.String()))
			return canvas.Shape{}, newServiceError(opCreate, "id_generation_failed", err)
		}
		shape.Node.ID = generated
	}
	if _, err := canvas.NewShapeID(shape.Node.ID); err != nil {
		return canvas.Shape{}, newServiceError(opCreate, "invalid_shape_id", err)
	}
	if shape.Node.Variant == nil {
		shape.Node.Variant = canvas.RectVariant{}
	}

	now := s.clock().UTC()
	record := newRecord(validCanvas.String(), shape, now)
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error; err != nil {
		s.logError(opCreate, "insert_failed", err,
			zap.String("canvas_id", validCanvas.String()),
			zap.String("shape_id", record.ShapeID))
		return canvas.Shape{}, newServiceError(opCreate, "insert_failed", err)
	}

	stored, err := record.shape()
	if err != nil {
		return canvas.Shape{}, newServiceError(opCreate, "normalize_failed", err)
	}
	s.publish(validCanvas.String(), EventShapeUpserted, record.ShapeID)
	return stored, nil
}

// Update applies patch to an existing shape.
func (s *Service) Update(ctx context.Context, canvasID, shapeID string, patch canvas.Patch) (canvas.Shape, error) {
	validCanvas, validShape, err := validateKeys(opUpdate, canvasID, shapeID)
	if err != nil {
		return canvas.Shape{}, err
	}

	var updated canvas.Shape
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record ShapeRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("canvas_id = ? AND shape_id = ?", validCanvas.String(), validShape.String()).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdate, "not_found", ErrShapeNotFound)
		}
		if err != nil {
			s.logError(opUpdate, "shape_select_failed", err,
				zap.String("canvas_id", validCanvas.String()),
				zap.String("shape_id", validShape.String()))
			return newServiceError(opUpdate, "shape_select_failed", err)
		}

		current, err := record.shape()
		if err != nil {
			return newServiceError(opUpdate, "normalize_failed", err)
		}
		record.assignNode(patch.Apply(current.Node))
		record.UpdatedAtMillis = s.clock().UTC().UnixMilli()

		if err := tx.Save(&record).Error; err != nil {
			s.logError(opUpdate, "shape_save_failed", err,
				zap.String("canvas_id", validCanvas.String()),
				zap.String("shape_id", validShape.String()))
			return newServiceError(opUpdate, "shape_save_failed", err)
		}
		updated, err = record.shape()
		if err != nil {
			return newServiceError(opUpdate, "normalize_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return canvas.Shape{}, txErr
	}

	s.publish(validCanvas.String(), EventShapeUpserted, validShape.String())
	return updated, nil
}

// Delete removes a shape. Deleting a missing shape succeeds.
func (s *Service) Delete(ctx context.Context, canvasID, shapeID string) error {
	validCanvas, validShape, err := validateKeys(opDelete, canvasID, shapeID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Where("canvas_id = ? AND shape_id = ?", validCanvas.String(), validShape.String()).
		Delete(&ShapeRecord{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error,
			zap.String("canvas_id", validCanvas.String()),
			zap.String("shape_id", validShape.String()))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.publish(validCanvas.String(), EventShapeDeleted, validShape.String())
	}
	return nil
}

// Get returns one shape.
func (s *Service) Get(ctx context.Context, canvasID, shapeID string) (canvas.Shape, error) {
	validCanvas, validShape, err := validateKeys(opList, canvasID, shapeID)
	if err != nil {
		return canvas.Shape{}, err
	}
	var record ShapeRecord
	err = s.db.WithContext(ctx).
		Where("canvas_id = ? AND shape_id = ?", validCanvas.String(), validShape.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return canvas.Shape{}, newServiceError(opList, "not_found", ErrShapeNotFound)
	}
	if err != nil {
		return canvas.Shape{}, newServiceError(opList, "query_failed", err)
	}
	return record.shape()
}

// List returns every shape on canvasID ordered by zIndex.
func (s *Service) List(ctx context.Context, canvasID string) ([]canvas.Shape, error) {
	validCanvas, err := canvas.NewCanvasID(canvasID)
	if err != nil {
		return nil, newServiceError(opList, "invalid_canvas_id", err)
	}

	var records []ShapeRecord
	if err := s.db.WithContext(ctx).
		Where("canvas_id = ?", validCanvas.String()).
		Order("z_index ASC").
		Order("created_at_ms ASC").
		Order("shape_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("canvas_id", validCanvas.String()))
		return nil, newServiceError(opList, "query_failed", err)
	}

	shapes := make([]canvas.Shape, 0, len(records))
	for _, record := range records {
		shape, err := record.shape()
		if err != nil {
			s.logError(opList, "normalize_failed", err,
				zap.String("canvas_id", validCanvas.String()),
				zap.String("shape_id", record.ShapeID))
			continue
		}
		shapes = append(shapes, shape)
	}
	return shapes, nil
}

// Subscribe delivers the current shapes of canvasID to fn and then a fresh
// snapshot after every write to that canvas, until ctx ends or the returned
// function is called. fn runs on a dedicated goroutine, one call at a time.
func (s *Service) Subscribe(ctx context.Context, canvasID string, fn func([]canvas.Shape)) (func(), error) {
	validCanvas, err := canvas.NewCanvasID(canvasID)
	if err != nil {
		return nil, newServiceError(opSubscribe, "invalid_canvas_id", err)
	}
	if fn == nil {
		return func() {}, nil
	}

	subscriptionCtx, cancel := context.WithCancel(ctx)
	events, cleanup := s.dispatcher.Subscribe(subscriptionCtx, validCanvas.String())
	s.loggerOrDefault().Debug("shape subscriber attached",
		zap.String("canvas_id", validCanvas.String()),
		zap.Int("subscribers", s.dispatcher.SubscriberCount(validCanvas.String())),
	)

	deliver := func() {
		shapes, err := s.List(subscriptionCtx, validCanvas.String())
		if err != nil {
			if subscriptionCtx.Err() == nil {
				s.logError(opSubscribe, "snapshot_failed", err, zap.String("canvas_id", validCanvas.String()))
			}
			return
		}
		if subscriptionCtx.Err() != nil {
			return
		}
		fn(shapes)
	}

	go func() {
		deliver()
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	return func() {
		cancel()
		cleanup()
		s.loggerOrDefault().Debug("shape subscriber detached",
			zap.String("canvas_id", validCanvas.String()),
			zap.Int("subscribers", s.dispatcher.SubscriberCount(validCanvas.String())),
		)
	}, nil
}

// SetLock records userID as the lease holder of a shape.
func (s *Service) SetLock(ctx context.Context, canvasID, shapeID, userID string) error {
	validCanvas, validShape, err := validateKeys(opSetLock, canvasID, shapeID)
	if err != nil {
		return err
	}
	validUser, err := canvas.NewUserID(userID)
	if err != nil {
		return newServiceError(opSetLock, "invalid_user_id", err)
	}

	result := s.db.WithContext(ctx).Model(&ShapeRecord{}).
		Where("canvas_id = ? AND shape_id = ?", validCanvas.String(), validShape.String()).
		Updates(map[string]interface{}{
			"locked_by_user_id": validUser.String(),
			"locked_at_ms":      s.clock().UTC().UnixMilli(),
		})
	if result.Error != nil {
		s.logError(opSetLock, "update_failed", result.Error,
			zap.String("canvas_id", validCanvas.String()),
			zap.String("shape_id", validShape.String()))
		return newServiceError(opSetLock, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetLock, "not_found", ErrShapeNotFound)
	}
	s.publish(validCanvas.String(), EventShapeLocked, validShape.String())
	return nil
}

// RefreshLock bumps the lease timestamp when userID still holds it.
func (s *Service) RefreshLock(ctx context.Context, canvasID, shapeID, userID string) error {
	validCanvas, validShape, err := validateKeys(opRefreshLock, canvasID, shapeID)
	if err != nil {
		return err
	}
	validUser, err := canvas.NewUserID(userID)
	if err != nil {
		return newServiceError(opRefreshLock, "invalid_user_id", err)
	}

	result := s.db.WithContext(ctx).Model(&ShapeRecord{}).
		Where("canvas_id = ? AND shape_id = ? AND locked_by_user_id = ?",
			validCanvas.String(), validShape.String(), validUser.String()).
		Update("locked_at_ms", s.clock().UTC().UnixMilli())
	if result.Error != nil {
		s.logError(opRefreshLock, "update_failed", result.Error,
			zap.String("canvas_id", validCanvas.String()),
			zap.String("shape_id", validShape.String()))
		return newServiceError(opRefreshLock, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&ShapeRecord{}).
			Where("canvas_id = ? AND shape_id = ?", validCanvas.String(), validShape.String()).
			Count(&count).Error; err != nil {
			return newServiceError(opRefreshLock, "query_failed", err)
		}
		if count == 0 {
			return newServiceError(opRefreshLock, "not_found", ErrShapeNotFound)
		}
		return newServiceError(opRefreshLock, "not_held", ErrLockNotHeld)
	}
	s.publish(validCanvas.String(), EventShapeLocked, validShape.String())
	return nil
}

// ClearLock removes the lease from a shape regardless of holder. Clearing a
// missing shape succeeds.
func (s *Service) ClearLock(ctx context.Context, canvasID, shapeID string) error {
	validCanvas, validShape, err := validateKeys(opClearLock, canvasID, shapeID)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Model(&ShapeRecord{}).
		Where("canvas_id = ? AND shape_id = ?", validCanvas.String(), validShape.String()).
		Updates(map[string]interface{}{
			"locked_by_user_id": "",
			"locked_at_ms":      0,
		})
	if result.Error != nil {
		s.logError(opClearLock, "update_failed", result.Error,
			zap.String("canvas_id", validCanvas.String()),
			zap.String("shape_id", validShape.String()))
		return newServiceError(opClearLock, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.publish(validCanvas.String(), EventShapeLocked, validShape.String())
	}
	return nil
}

func (s *Service) publish(canvasID, eventType string, shapeIDs ...string) {
	s.dispatcher.Publish(ChangeEvent{
		CanvasID:  canvasID,
		EventType: eventType,
		ShapeIDs:  shapeIDs,
		Timestamp: s.clock().UTC(),
	})
}

func validateKeys(operation, canvasID, shapeID string) (canvas.CanvasID, canvas.ShapeID, error) {
	validCanvas, err := canvas.NewCanvasID(canvasID)
	if err != nil {
		return "", "", newServiceError(operation, "invalid_canvas_id", err)
	}
	validShape, err := canvas.NewShapeID(shapeID)
	if err != nil {
		return "", "", newServiceError(operation, "invalid_shape_id", err)
	}
	return validCanvas, validShape, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("shapes service error", attrs...)
}
