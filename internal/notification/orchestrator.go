// Package notification 通知编排核心
// 负责幂等提交、状态记录、任务路由以及异步回执的对账
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"notification-gateway/internal/directory"
	"notification-gateway/internal/idempotency"
	"notification-gateway/internal/logging"
	"notification-gateway/internal/queue"
	"notification-gateway/internal/status"
)

// ==================== 常量定义 ====================

const defaultCallTimeout = 5 * time.Second

// ==================== 接口定义 ====================

// UserDirectory 用户资料查询
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (directory.User, error)
}

// TemplateDirectory 模板查询
type TemplateDirectory interface {
	GetTemplate(ctx context.Context, code string) (directory.Template, error)
}

// AcknowledgmentStep 处理一条回执的步骤,按注册顺序执行
type AcknowledgmentStep func(ctx context.Context, update status.Update) error

// ==================== 数据结构 ====================

// Dependencies 编排器依赖
type Dependencies struct {
	Statuses    *status.Store
	Idempotency *idempotency.Store
	Publisher   queue.Publisher
	Users       UserDirectory
	Templates   TemplateDirectory
}

// Option 可选配置
type Option func(*Orchestrator)

// WithCallTimeout 设置每次外部调用的超时
func WithCallTimeout(timeout time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		if timeout > 0 {
			orchestrator.callTimeout = timeout
		}
	}
}

// WithClock 替换时钟,用于测试
func WithClock(now func() time.Time) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.now = now
	}
}

// WithIDGenerator 替换通知ID生成器
func WithIDGenerator(newID func() string) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.newID = newID
	}
}

// Orchestrator 通知编排器
type Orchestrator struct {
	statuses    *status.Store
	idempotency *idempotency.Store
	publisher   queue.Publisher
	users       UserDirectory
	templates   TemplateDirectory
	logger      logrus.FieldLogger

	callTimeout time.Duration
	now         func() time.Time
	newID       func() string

	stepsMu sync.RWMutex
	steps   []AcknowledgmentStep
}

// ==================== 构造函数 ====================

// New 创建编排器,默认注册状态记录对账步骤
func New(deps Dependencies, logger logrus.FieldLogger, options ...Option) *Orchestrator {
	orchestrator := &Orchestrator{
		statuses:    deps.Statuses,
		idempotency: deps.Idempotency,
		publisher:   deps.Publisher,
		users:       deps.Users,
		templates:   deps.Templates,
		logger:      logger,
		callTimeout: defaultCallTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
	}

	for _, option := range options {
		option(orchestrator)
	}

	orchestrator.steps = []AcknowledgmentStep{orchestrator.reconcileRecord}
	return orchestrator
}

// OnAcknowledgment 追加一个回执处理步骤
func (orchestrator *Orchestrator) OnAcknowledgment(step AcknowledgmentStep) {
	orchestrator.stepsMu.Lock()
	defer orchestrator.stepsMu.Unlock()
	orchestrator.steps = append(orchestrator.steps, step)
}

// ==================== 提交 ====================

// Submit 提交一条通知
// 同一幂等键在记录有效期内重复提交时原样返回首次结果
func (orchestrator *Orchestrator) Submit(ctx context.Context, request Request, idempotencyKey string) (status.Record, error) {
	if err := request.Validate(); err != nil {
		return status.Record{}, err
	}
	if idempotencyKey == "" {
		return status.Record{}, NewError(KindValidation, "idempotency key is required", idempotency.ErrEmptyKey)
	}

	logger := orchestrator.log(ctx).WithField("idempotency_key", idempotencyKey)

	if replay, err := orchestrator.lookupReplay(ctx, idempotencyKey); err != nil || replay != nil {
		if replay != nil {
			logger.WithField(logging.FieldNotificationID, replay.NotificationID).Warn("duplicate request detected, replaying")
			return *replay, nil
		}
		return status.Record{}, err
	}

	record := orchestrator.newRecord(request, idempotencyKey)
	logger = logger.WithField(logging.FieldNotificationID, record.NotificationID)

	replay, err := orchestrator.persist(ctx, idempotencyKey, record)
	if err != nil {
		logger.WithError(err).Error("failed to persist initial status")
		return status.Record{}, err
	}
	if replay != nil {
		logger.Warn("lost idempotency race, replaying winner")
		return *replay, nil
	}

	if err := orchestrator.dispatch(ctx, record); err != nil {
		orchestrator.rollback(ctx, idempotencyKey, record, err)
		logger.WithError(err).Error("failed to process notification request")
		return status.Record{}, withNotificationID(classify(err), record.NotificationID)
	}

	logger.WithField("routing_key", routingKeyFor(record.Type)).Info("notification job queued")
	return record, nil
}

// lookupReplay 查询幂等键,命中时返回首次结果
func (orchestrator *Orchestrator) lookupReplay(ctx context.Context, key string) (*status.Record, error) {
	callCtx, cancel := orchestrator.withTimeout(ctx)
	defer cancel()

	record, err := orchestrator.idempotency.Lookup(callCtx, key)
	if err != nil {
		return nil, NewError(KindUpstreamUnavailable, MessageCacheFailed, err)
	}
	return record, nil
}

func (orchestrator *Orchestrator) newRecord(request Request, idempotencyKey string) status.Record {
	requestID := request.RequestID
	if requestID == "" {
		requestID = idempotencyKey
	}

	return status.Record{
		NotificationID: orchestrator.newID(),
		Status:         status.StateQueued,
		Type:           request.Type,
		UserID:         request.UserID,
		Recipient:      request.Email,
		TemplateCode:   request.TemplateCode,
		SubmittedAt:    orchestrator.now().UTC(),
		RequestID:      requestID,
		Priority:       request.Priority,
		Variables:      request.Variables.Clone(),
		Metadata:       request.Metadata.Clone(),
	}
}

// persist 写入幂等记录、状态记录与用户索引
// 幂等键先以 SETNX 占用,并发请求中只有一个继续执行
// 三处写入不是原子的,部分失败不回滚,残留数据随 TTL 过期
func (orchestrator *Orchestrator) persist(ctx context.Context, key string, record status.Record) (*status.Record, error) {
	callCtx, cancel := orchestrator.withTimeout(ctx)
	defer cancel()

	claimed, err := orchestrator.idempotency.Claim(callCtx, key, record)
	if err != nil {
		return nil, NewError(KindUpstreamUnavailable, MessageCacheFailed, err)
	}

	if !claimed {
		winner, err := orchestrator.idempotency.Lookup(callCtx, key)
		if err != nil {
			return nil, NewError(KindUpstreamUnavailable, MessageCacheFailed, err)
		}
		if winner == nil {
			return nil, NewError(KindUpstreamUnavailable, MessageDuplicateBusy, nil)
		}
		return winner, nil
	}

	group, groupCtx := errgroup.WithContext(callCtx)
	group.Go(func() error {
		return orchestrator.statuses.Save(groupCtx, record)
	})
	group.Go(func() error {
		return orchestrator.statuses.AppendToIndex(groupCtx, record.UserID, record.NotificationID)
	})

	if err := group.Wait(); err != nil {
		return nil, NewError(KindUpstreamUnavailable, MessageCacheFailed, err)
	}
	return nil, nil
}

// dispatch 查询用户与模板、检查偏好并发布任务
func (orchestrator *Orchestrator) dispatch(ctx context.Context, record status.Record) error {
	user, err := orchestrator.fetchUser(ctx, record.UserID)
	if err != nil {
		return err
	}

	template, err := orchestrator.fetchTemplate(ctx, record.TemplateCode)
	if err != nil {
		return err
	}

	if err := checkPreference(record.Type, user.Preferences); err != nil {
		return err
	}

	job, err := BuildJob(record, user, template)
	if err != nil {
		return NewError(KindValidation, "notification_type must be one of: email, push", err)
	}

	return orchestrator.publishJob(ctx, job)
}

func (orchestrator *Orchestrator) fetchUser(ctx context.Context, userID string) (directory.User, error) {
	callCtx, cancel := orchestrator.withTimeout(ctx)
	defer cancel()

	user, err := orchestrator.users.GetUser(callCtx, userID)
	if err != nil {
		return directory.User{}, NewError(KindNotFound, MessageUserNotFound, err)
	}
	return user, nil
}

func (orchestrator *Orchestrator) fetchTemplate(ctx context.Context, code string) (directory.Template, error) {
	callCtx, cancel := orchestrator.withTimeout(ctx)
	defer cancel()

	template, err := orchestrator.templates.GetTemplate(callCtx, code)
	if err != nil {
		return directory.Template{}, NewError(KindNotFound, MessageTemplateAbsent, err)
	}
	return template, nil
}

func checkPreference(notificationType status.Type, preferences directory.Preferences) error {
	switch {
	case notificationType == status.TypeEmail && !preferences.AllowEmail:
		return NewError(KindValidation, MessageEmailDisabled, nil)
	case notificationType == status.TypePush && !preferences.AllowPush:
		return NewError(KindValidation, MessagePushDisabled, nil)
	}
	return nil
}

func (orchestrator *Orchestrator) publishJob(ctx context.Context, job Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	return orchestrator.publish(ctx, job.RoutingKey(), encoded, MessageBrokerFailed)
}

// publish 发布消息,未确认与发布错误都视为上游不可用
func (orchestrator *Orchestrator) publish(ctx context.Context, routingKey string, payload []byte, failure string) error {
	callCtx, cancel := orchestrator.withTimeout(ctx)
	defer cancel()

	acked, err := orchestrator.publisher.Publish(callCtx, routingKey, payload)
	if err != nil {
		return NewError(KindUpstreamUnavailable, failure, err)
	}
	if !acked {
		orchestrator.log(ctx).WithField("routing_key", routingKey).Warn("publish not acknowledged by broker")
		return NewError(KindUpstreamUnavailable, MessageBrokerRejected, nil)
	}
	return nil
}

// rollback 释放幂等键并把状态记录标记为 failed
// 使用脱离请求取消的上下文,客户端断开时仍然执行
func (orchestrator *Orchestrator) rollback(ctx context.Context, key string, record status.Record, cause error) {
	callCtx, cancel := orchestrator.withTimeout(context.WithoutCancel(ctx))
	defer cancel()

	record.Status = status.StateFailed
	record.Error = failureMessage(cause)

	var group errgroup.Group
	group.Go(func() error {
		return orchestrator.idempotency.Release(callCtx, key)
	})
	group.Go(func() error {
		return orchestrator.statuses.Save(callCtx, record)
	})

	if err := group.Wait(); err != nil {
		orchestrator.log(ctx).WithError(err).WithField(logging.FieldNotificationID, record.NotificationID).Error("rollback incomplete")
	}
}

// ==================== 查询 ====================

// GetStatus 查询通知状态
func (orchestrator *Orchestrator) GetStatus(ctx context.Context, notificationID string) (status.Record, error) {
	if notificationID == "" {
		return status.Record{}, NewError(KindValidation, "notificationId is required", status.ErrMissingNotificationID)
	}

	callCtx, cancel := orchestrator.withTimeout(ctx)
	defer cancel()

	record, err := orchestrator.statuses.Get(callCtx, notificationID)
	if err != nil {
		return status.Record{}, NewError(KindUpstreamUnavailable, MessageCacheFailed, err)
	}
	if record == nil {
		return status.Record{}, NewError(KindNotFound, MessageStatusNotFound, nil)
	}
	return *record, nil
}

// ListByType 按类型分页列出用户的通知
// 已过期的记录直接跳过,分页在过滤后的完整列表上计算
func (orchestrator *Orchestrator) ListByType(ctx context.Context, userID string, notificationType status.Type, page, limit int) ([]status.Record, PageMeta, error) {
	if _, err := status.ParseType(string(notificationType)); err != nil {
		return nil, PageMeta{}, NewError(KindValidation, "notification_type must be one of: email, push", err)
	}

	callCtx, cancel := orchestrator.withTimeout(ctx)
	defer cancel()

	ids, err := orchestrator.statuses.Index(callCtx, userID)
	if err != nil {
		return nil, PageMeta{}, NewError(KindUpstreamUnavailable, MessageCacheFailed, err)
	}

	records := make([]status.Record, 0, len(ids))
	for _, id := range ids {
		record, err := orchestrator.statuses.Get(callCtx, id)
		if errors.Is(err, status.ErrCorruptRecord) {
			orchestrator.log(ctx).WithError(err).WithField(logging.FieldNotificationID, id).Warn("skipping corrupt status record")
			continue
		}
		if err != nil {
			return nil, PageMeta{}, NewError(KindUpstreamUnavailable, MessageCacheFailed, err)
		}
		if record == nil || record.Type != notificationType {
			continue
		}
		records = append(records, *record)
	}

	items, meta := Paginate(records, page, limit)
	return items, meta, nil
}

// ==================== 回执处理 ====================

// ApplyAcknowledgment 把回执写入状态记录,其余字段保持不变
// 记录不存在时返回 NotFound
func (orchestrator *Orchestrator) ApplyAcknowledgment(ctx context.Context, update status.Update) (status.Record, error) {
	if err := update.Validate(); err != nil {
		return status.Record{}, NewError(KindValidation, err.Error(), err)
	}

	callCtx, cancel := orchestrator.withTimeout(ctx)
	defer cancel()

	current, err := orchestrator.statuses.Get(callCtx, update.NotificationID)
	if err != nil {
		return status.Record{}, NewError(KindUpstreamUnavailable, MessageCacheFailed, err)
	}
	if current == nil {
		return status.Record{}, NewError(KindNotFound, MessageRecordNotFound, nil)
	}

	updated := current.Apply(update, orchestrator.now())
	if err := orchestrator.statuses.Save(callCtx, updated); err != nil {
		return status.Record{}, NewError(KindUpstreamUnavailable, MessageCacheFailed, err)
	}

	orchestrator.log(ctx).WithFields(logrus.Fields{
		logging.FieldNotificationID: update.NotificationID,
		"old_status":                current.Status,
		"new_status":                updated.Status,
	}).Info("notification status updated")

	return updated, nil
}

// reconcileRecord 默认回执步骤,记录已过期或尚未写入时记录日志并丢弃
func (orchestrator *Orchestrator) reconcileRecord(ctx context.Context, update status.Update) error {
	_, err := orchestrator.ApplyAcknowledgment(ctx, update)
	if KindOf(err) == KindNotFound {
		orchestrator.log(ctx).WithField(logging.FieldNotificationID, update.NotificationID).Warn("notification not found in cache, dropping update")
		return nil
	}
	return err
}

// Reconcile 消费监听器交付的回执直到通道关闭或 ctx 结束
// 每条回执依次执行全部步骤,任一步骤失败都会让监听器重新入队
func (orchestrator *Orchestrator) Reconcile(ctx context.Context, deliveries <-chan queue.StatusDelivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			delivery.Done(orchestrator.runSteps(ctx, delivery.Update))
		}
	}
}

func (orchestrator *Orchestrator) runSteps(ctx context.Context, update status.Update) error {
	orchestrator.stepsMu.RLock()
	steps := make([]AcknowledgmentStep, len(orchestrator.steps))
	copy(steps, orchestrator.steps)
	orchestrator.stepsMu.RUnlock()

	var errs []error
	for index, step := range steps {
		if err := runStep(ctx, step, update); err != nil {
			orchestrator.log(ctx).WithError(err).WithFields(logrus.Fields{
				logging.FieldNotificationID: update.NotificationID,
				"step":                      index,
			}).Error("acknowledgment step failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runStep 执行单个步骤,panic 转为错误
func runStep(ctx context.Context, step AcknowledgmentStep, update status.Update) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("acknowledgment step panicked: %v", recovered)
		}
	}()
	return step(ctx, update)
}

// EmitStatusUpdate 把回执发布到 status.update,由监听器异步处理
func (orchestrator *Orchestrator) EmitStatusUpdate(ctx context.Context, update status.Update) (status.Update, error) {
	if err := update.Validate(); err != nil {
		return status.Update{}, NewError(KindValidation, err.Error(), err)
	}

	if update.Timestamp == nil {
		now := orchestrator.now().UTC()
		update.Timestamp = &now
	}

	encoded, err := json.Marshal(update)
	if err != nil {
		return status.Update{}, fmt.Errorf("encode status update: %w", err)
	}

	if err := orchestrator.publish(ctx, queue.RoutingKeyStatus, encoded, MessageEmitFailed); err != nil {
		return status.Update{}, err
	}

	orchestrator.log(ctx).WithFields(logrus.Fields{
		logging.FieldNotificationID: update.NotificationID,
		"status":                    update.Status,
		"routing_key":               queue.RoutingKeyStatus,
	}).Info("status update emitted")

	return update, nil
}

// ==================== 私有辅助方法 ====================

func (orchestrator *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, orchestrator.callTimeout)
}

func (orchestrator *Orchestrator) log(ctx context.Context) logrus.FieldLogger {
	if correlationID := directory.CorrelationIDFrom(ctx); correlationID != "" {
		return orchestrator.logger.WithField(logging.FieldCorrelationID, correlationID)
	}
	return orchestrator.logger
}

func routingKeyFor(notificationType status.Type) string {
	if notificationType == status.TypePush {
		return queue.RoutingKeyPush
	}
	return queue.RoutingKeyEmail
}

// classify 未分类错误统一视为内部错误
func classify(err error) error {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return err
	}
	return NewError(KindInternal, MessageInternal, err)
}

// withNotificationID 复制领域错误并附上 failed 记录的ID,不修改原错误
func withNotificationID(err error, notificationID string) error {
	var domainErr *Error
	if !errors.As(err, &domainErr) {
		return err
	}

	tagged := *domainErr
	tagged.NotificationID = notificationID
	return &tagged
}

// failureMessage 写入 failed 记录的错误信息
func failureMessage(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return err.Error()
}
