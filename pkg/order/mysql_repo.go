// 文件: pkg/order/mysql_repo.go
package order

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"simex.com/pkg/config"
	"simex.com/pkg/mtrade"
)

var _ Repository = (*MySQLRepository)(nil)

// OpenMySQL 打开连接池；AutoMigrate 为 true 时建表
func OpenMySQL(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)

	if cfg.AutoMigrate {
		if err := AutoMigrate(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// AutoMigrate 建表 orders / order_fills
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Record{}, &Fill{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

type MySQLRepository struct {
	db *gorm.DB
}

func NewMySQLRepository(db *gorm.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

func (r *MySQLRepository) Create(ctx context.Context, o *mtrade.Order) error {
	err := r.db.WithContext(ctx).Create(RecordFromOrder(o)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("order %d: %w", o.ID, mtrade.ErrOrderExists)
	}
	return err
}

func (r *MySQLRepository) Get(ctx context.Context, orderID int64) (*mtrade.Order, error) {
	var rec Record
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	return rec.ToOrder(), nil
}

func (r *MySQLRepository) ListActive(ctx context.Context, symbol mtrade.Symbol) ([]*mtrade.Order, error) {
	var recs []*Record
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND status IN ?", string(symbol),
			[]mtrade.OrderStatus{mtrade.OrderStatusPending, mtrade.OrderStatusPartial}).
		Order("order_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]*mtrade.Order, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ToOrder())
	}
	return out, nil
}

// Update SELECT ... FOR UPDATE → fn → Save，同一事务内
func (r *MySQLRepository) Update(ctx context.Context, orderID int64, fn MutateFunc) (*mtrade.Order, error) {
	var updated *mtrade.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := r.mutate(tx, orderID, fn)
		if err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyFill 先插入 fill（唯一键冲突则什么都不做），插入成功才更新订单
func (r *MySQLRepository) ApplyFill(ctx context.Context, fill Fill, fn MutateFunc) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fill)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // 重复投递
		}
		if _, err := r.mutate(tx, fill.OrderID, fn); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *MySQLRepository) mutate(tx *gorm.DB, orderID int64, fn MutateFunc) (*mtrade.Order, error) {
	var rec Record
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}

	o := rec.ToOrder()
	if err := fn(o); err != nil {
		return nil, err
	}
	rec.apply(o)
	if err := tx.Save(&rec).Error; err != nil {
		return nil, err
	}
	return o, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
