package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"hostpanel/internal/gateway"
	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

// InstanceView is an instance with its resolved billing state.
type InstanceView struct {
	model.Instance
	ResolvedExpiresAt time.Time `json:"resolvedExpiresAt"`
	DaysRemaining     int       `json:"daysRemaining"`
	Due               bool      `json:"due"`
}

// InstanceService exposes the per-account instance operations.
type InstanceService struct {
	store   repository.AccountStore
	gateway gateway.Gateway
	events  *publisher
	now     func() time.Time
}

func NewInstanceService(store repository.AccountStore, gw gateway.Gateway, bus repository.MessageBus) *InstanceService {
	return &InstanceService{store: store, gateway: gw, events: newPublisher(bus), now: time.Now}
}

func (s *InstanceService) List(ctx context.Context, accountID string) ([]InstanceView, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	views := make([]InstanceView, 0, len(acc.Instances))
	for _, inst := range acc.Instances {
		views = append(views, InstanceView{
			Instance:          inst,
			ResolvedExpiresAt: inst.ResolvedExpiry(),
			DaysRemaining:     inst.DaysRemaining(now),
			Due:               inst.DueAt(now),
		})
	}
	return views, nil
}

// Status reports the remote state; instances never provisioned are unknown.
func (s *InstanceService) Status(ctx context.Context, accountID, instanceID string) (gateway.Status, error) {
	inst, err := s.instance(ctx, accountID, instanceID)
	if err != nil {
		return gateway.StatusUnknown, err
	}
	if !inst.HasRemote() {
		return gateway.StatusUnknown, nil
	}
	return s.gateway.Status(ctx, inst.Remote())
}

func (s *InstanceService) Power(ctx context.Context, accountID string, req model.PowerRequest) error {
	if req.ServerID == "" {
		return ErrMissingServerID
	}
	signal, ok := gateway.ParseSignal(req.Signal)
	if !ok {
		return ErrInvalidSignal
	}
	inst, err := s.instance(ctx, accountID, req.ServerID)
	if err != nil {
		return err
	}
	if inst.IsExpired {
		return ErrInstanceExpired
	}
	if !inst.HasRemote() {
		return ErrNoRemote
	}
	return s.gateway.Power(ctx, inst.Remote(), signal)
}

// Delete removes the remote server (already gone counts as success) and
// then the local record.
func (s *InstanceService) Delete(ctx context.Context, accountID, instanceID string) error {
	inst, err := s.instance(ctx, accountID, instanceID)
	if err != nil {
		return err
	}
	if inst.HasRemote() {
		if err := s.gateway.Delete(ctx, inst.Remote()); err != nil && !gateway.IsNotFound(err) {
			return err
		}
	}
	key := model.InstanceKey{AccountID: accountID, InstanceID: instanceID}
	if err := s.store.RemoveInstance(ctx, key); err != nil {
		return err
	}

	log.Info().Str("account_id", accountID).Str("instance_id", instanceID).Str("remote_id", inst.Remote()).Msg("Deleted instance")
	s.events.publish(model.LifecycleEvent{
		Type: model.EventInstanceDeleted, AccountID: accountID, InstanceID: instanceID, RemoteID: inst.Remote(),
	})
	return nil
}

func (s *InstanceService) instance(ctx context.Context, accountID, instanceID string) (model.Instance, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return model.Instance{}, err
	}
	inst, ok := acc.Instance(instanceID)
	if !ok {
		return model.Instance{}, repository.ErrInstanceNotFound
	}
	return *inst, nil
}
