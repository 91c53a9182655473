package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hostpanel/internal/model"
)

const accountsCollection = "accounts"

type specsDoc struct {
	RAM  int `bson:"ram"`
	Disk int `bson:"disk"`
	CPU  int `bson:"cpu"`
}

type instanceDoc struct {
	ID              string               `bson:"id"`
	RemoteID        *string              `bson:"remoteId"`
	Name            string               `bson:"name,omitempty"`
	Plan            string               `bson:"plan"`
	Price           primitive.Decimal128 `bson:"price"`
	Specs           specsDoc             `bson:"specs"`
	Status          string               `bson:"status"`
	IsExpired       bool                 `bson:"isExpired"`
	CreatedAt       time.Time            `bson:"createdAt"`
	ExpiresAt       *time.Time           `bson:"expiresAt"`
	LastBillingDate *time.Time           `bson:"lastBillingDate"`
	NextBillingDate *time.Time           `bson:"nextBillingDate"`
	AutoRenewal     bool                 `bson:"autoRenewal"`
	SuspendedAt     *time.Time           `bson:"suspendedAt"`
	AutoSuspended   bool                 `bson:"autoSuspended"`
}

type transactionDoc struct {
	ID          string               `bson:"id"`
	Type        string               `bson:"type"`
	Amount      primitive.Decimal128 `bson:"amount"`
	Currency    string               `bson:"currency"`
	Description string               `bson:"description"`
	InstanceID  string               `bson:"instanceId,omitempty"`
	CreatedAt   time.Time            `bson:"createdAt"`
}

type invoiceDoc struct {
	ID          string               `bson:"id"`
	InstanceID  string               `bson:"instanceId"`
	Amount      primitive.Decimal128 `bson:"amount"`
	Currency    string               `bson:"currency"`
	Months      int                  `bson:"months"`
	PeriodStart time.Time            `bson:"periodStart"`
	PeriodEnd   time.Time            `bson:"periodEnd"`
	Status      string               `bson:"status"`
	CreatedAt   time.Time            `bson:"createdAt"`
}

type accountDoc struct {
	ID           string               `bson:"_id"`
	Email        string               `bson:"email"`
	Balance      primitive.Decimal128 `bson:"balance"`
	Currency     string               `bson:"currency"`
	Transactions []transactionDoc     `bson:"transactions"`
	Invoices     []invoiceDoc         `bson:"invoices"`
	Instances    []instanceDoc        `bson:"instances"`
}

// MongoStore keeps one document per account with instances embedded.
type MongoStore struct {
	db       *mongo.Database
	accounts *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db, accounts: db.Collection(accountsCollection)}
}

// EnsureIndexes creates the indexes the candidate scans rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}},
		{Keys: bson.D{{Key: "instances.isExpired", Value: 1}, {Key: "instances.expiresAt", Value: 1}}},
		{Keys: bson.D{{Key: "instances.id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create account indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

func (s *MongoStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var doc accountDoc
	err := s.accounts.FindOne(ctx, bson.M{"_id": accountID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	return doc.toModel()
}

func (s *MongoStore) FindExpiryCandidates(ctx context.Context, accountID string, now time.Time) ([]model.Candidate, error) {
	return s.unwind(ctx, accountID, bson.M{
		"instances.isExpired": bson.M{"$ne": true},
		"$or": bson.A{
			bson.M{"instances.expiresAt": bson.M{"$lte": now}},
			bson.M{"instances.expiresAt": nil},
		},
	})
}

func (s *MongoStore) FindActiveRemote(ctx context.Context) ([]model.Candidate, error) {
	return s.unwind(ctx, "", bson.M{
		"instances.isExpired": bson.M{"$ne": true},
		"instances.status":    string(model.StatusActive),
		"instances.remoteId":  bson.M{"$nin": bson.A{nil, ""}},
	})
}

func (s *MongoStore) unwind(ctx context.Context, accountID string, match bson.M) ([]model.Candidate, error) {
	pipeline := mongo.Pipeline{}
	if accountID != "" {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.M{"_id": accountID}}})
	}
	pipeline = append(pipeline,
		bson.D{{Key: "$unwind", Value: "$instances"}},
		bson.D{{Key: "$match", Value: match}},
		bson.D{{Key: "$project", Value: bson.M{"_id": 1, "instance": "$instances"}}},
	)

	cur, err := s.accounts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate candidates: %w", err)
	}
	defer cur.Close(ctx)

	var out []model.Candidate
	for cur.Next(ctx) {
		var row struct {
			AccountID string      `bson:"_id"`
			Instance  instanceDoc `bson:"instance"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		inst, err := row.Instance.toModel()
		if err != nil {
			log.Warn().Err(err).Str("account_id", row.AccountID).Msg("Skipping invalid instance record")
			continue
		}
		out = append(out, model.Candidate{AccountID: row.AccountID, Instance: inst})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

func (s *MongoStore) ApplyExpiry(ctx context.Context, key model.InstanceKey, priorExpiresAt *time.Time, status model.InstanceStatus, at time.Time) (bool, error) {
	if err := expiryStatusValid(status); err != nil {
		return false, err
	}
	elem := bson.M{
		"id":        key.InstanceID,
		"isExpired": bson.M{"$ne": true},
		"expiresAt": expiresAtMatch(priorExpiresAt),
	}
	filter := bson.M{"_id": key.AccountID, "instances": bson.M{"$elemMatch": elem}}
	set := bson.M{
		"instances.$.isExpired": true,
		"instances.$.status":    string(status),
	}
	if status == model.StatusSuspended {
		set["instances.$.suspendedAt"] = at
		set["instances.$.autoSuspended"] = true
	}

	res, err := s.accounts.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("apply expiry %s: %w", key, err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) ApplyBilling(ctx context.Context, key model.InstanceKey, u model.BillingUpdate) error {
	elem := bson.M{"id": key.InstanceID, "expiresAt": expiresAtMatch(u.PriorExpiresAt)}
	filter := bson.M{"_id": key.AccountID, "instances": bson.M{"$elemMatch": elem}}
	update := bson.M{"$set": bson.M{
		"instances.$.expiresAt":       u.ExpiresAt,
		"instances.$.lastBillingDate": u.LastBillingDate,
		"instances.$.nextBillingDate": u.NextBillingDate,
		"instances.$.status":          string(u.Status),
		"instances.$.isExpired":       u.IsExpired,
		"instances.$.autoRenewal":     u.AutoRenewal,
		"instances.$.suspendedAt":     u.SuspendedAt,
		"instances.$.autoSuspended":   u.AutoSuspended,
	}}

	res, err := s.accounts.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("apply billing %s: %w", key, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	return s.missOrConflict(ctx, key)
}

// expiresAtMatch matches a stored expiry by value; nil matches null or missing.
func expiresAtMatch(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (s *MongoStore) missOrConflict(ctx context.Context, key model.InstanceKey) error {
	n, err := s.accounts.CountDocuments(ctx, bson.M{"_id": key.AccountID, "instances.id": key.InstanceID})
	if err != nil {
		return fmt.Errorf("lookup instance %s: %w", key, err)
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return ErrConflict
}

func (s *MongoStore) AdjustBalance(ctx context.Context, accountID string, entry model.Transaction, invoice *model.Invoice) (decimal.Decimal, error) {
	delta, err := toDecimal128(entry.Delta())
	if err != nil {
		return decimal.Zero, err
	}
	filter := bson.M{"_id": accountID}
	if entry.Type == model.TransactionDebit {
		amount, err := toDecimal128(entry.Amount)
		if err != nil {
			return decimal.Zero, err
		}
		filter["balance"] = bson.M{"$gte": amount}
	}

	txDoc, err := newTransactionDoc(entry)
	if err != nil {
		return decimal.Zero, err
	}
	push := bson.M{"transactions": txDoc}
	if invoice != nil {
		invDoc, err := newInvoiceDoc(*invoice)
		if err != nil {
			return decimal.Zero, err
		}
		push["invoices"] = invDoc
	}

	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"balance": 1})

	var out struct {
		Balance primitive.Decimal128 `bson:"balance"`
	}
	err = s.accounts.FindOneAndUpdate(ctx, filter, bson.M{"$inc": bson.M{"balance": delta}, "$push": push}, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cErr := s.accounts.CountDocuments(ctx, bson.M{"_id": accountID})
		if cErr != nil {
			return decimal.Zero, fmt.Errorf("lookup account: %w", cErr)
		}
		if n == 0 {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance: %w", err)
	}
	return fromDecimal128(out.Balance)
}

func (s *MongoStore) RemoveInstance(ctx context.Context, key model.InstanceKey) error {
	res, err := s.accounts.UpdateOne(ctx,
		bson.M{"_id": key.AccountID, "instances.id": key.InstanceID},
		bson.M{"$pull": bson.M{"instances": bson.M{"id": key.InstanceID}}},
	)
	if err != nil {
		return fmt.Errorf("remove instance %s: %w", key, err)
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (d accountDoc) toModel() (*model.Account, error) {
	balance, err := fromDecimal128(d.Balance)
	if err != nil {
		return nil, fmt.Errorf("%w: account %s balance: %v", ErrInvalidRecord, d.ID, err)
	}
	a := &model.Account{ID: d.ID, Email: d.Email, Balance: balance, Currency: d.Currency}
	for _, t := range d.Transactions {
		amount, err := fromDecimal128(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: transaction %s: %v", ErrInvalidRecord, t.ID, err)
		}
		a.Transactions = append(a.Transactions, model.Transaction{
			ID: t.ID, Type: model.TransactionType(t.Type), Amount: amount, Currency: t.Currency,
			Description: t.Description, InstanceID: t.InstanceID, CreatedAt: t.CreatedAt,
		})
	}
	for _, inv := range d.Invoices {
		amount, err := fromDecimal128(inv.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: invoice %s: %v", ErrInvalidRecord, inv.ID, err)
		}
		a.Invoices = append(a.Invoices, model.Invoice{
			ID: inv.ID, InstanceID: inv.InstanceID, Amount: amount, Currency: inv.Currency, Months: inv.Months,
			PeriodStart: inv.PeriodStart, PeriodEnd: inv.PeriodEnd, Status: inv.Status, CreatedAt: inv.CreatedAt,
		})
	}
	for _, doc := range d.Instances {
		inst, err := doc.toModel()
		if err != nil {
			log.Warn().Err(err).Str("account_id", d.ID).Msg("Skipping invalid instance record")
			continue
		}
		a.Instances = append(a.Instances, inst)
	}
	return a, nil
}

func (d instanceDoc) toModel() (model.Instance, error) {
	price, err := fromDecimal128(d.Price)
	if err != nil {
		return model.Instance{}, fmt.Errorf("%w: instance %s price: %v", ErrInvalidRecord, d.ID, err)
	}
	return normalizeInstance(model.Instance{
		ID:              d.ID,
		RemoteID:        d.RemoteID,
		Name:            d.Name,
		Plan:            d.Plan,
		Price:           price,
		Specs:           model.Specs{RAM: d.Specs.RAM, Disk: d.Specs.Disk, CPU: d.Specs.CPU},
		Status:          model.InstanceStatus(d.Status),
		IsExpired:       d.IsExpired,
		CreatedAt:       d.CreatedAt,
		ExpiresAt:       d.ExpiresAt,
		LastBillingDate: d.LastBillingDate,
		NextBillingDate: d.NextBillingDate,
		AutoRenewal:     d.AutoRenewal,
		SuspendedAt:     d.SuspendedAt,
		AutoSuspended:   d.AutoSuspended,
	})
}

func newTransactionDoc(t model.Transaction) (transactionDoc, error) {
	amount, err := toDecimal128(t.Amount)
	if err != nil {
		return transactionDoc{}, err
	}
	return transactionDoc{
		ID: t.ID, Type: string(t.Type), Amount: amount, Currency: t.Currency,
		Description: t.Description, InstanceID: t.InstanceID, CreatedAt: t.CreatedAt,
	}, nil
}

func newInvoiceDoc(inv model.Invoice) (invoiceDoc, error) {
	amount, err := toDecimal128(inv.Amount)
	if err != nil {
		return invoiceDoc{}, err
	}
	return invoiceDoc{
		ID: inv.ID, InstanceID: inv.InstanceID, Amount: amount, Currency: inv.Currency, Months: inv.Months,
		PeriodStart: inv.PeriodStart, PeriodEnd: inv.PeriodEnd, Status: inv.Status, CreatedAt: inv.CreatedAt,
	}, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("encode decimal %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(v.String())
}
