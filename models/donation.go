package models

import (
	"time"
)

// 交易状态机：awaiting_payment -> completed | failed
// 只有支付验证通过后才会将状态置为completed
const (
	StatusAwaitingPayment = "awaiting_payment"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

// User 捐款用户表
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"size:30" json:"username"`
	Email     string    `gorm:"size:100;uniqueIndex" json:"email"` // 全局唯一，创建后不再修改
	Amount    float64   `gorm:"type:decimal(10,2)" json:"amount"`  // 累计捐款总额
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction 单笔捐款记录表
type Transaction struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SenderID  uint      `gorm:"index" json:"sender_id"` // 关联User.ID
	Sender    User      `gorm:"foreignKey:SenderID" json:"-"`
	Amount    float64   `gorm:"type:decimal(10,2)" json:"amount"` // 本笔捐款金额，非累计
	Status    string    `gorm:"size:20;index" json:"status"`
	OrderID   string    `gorm:"size:50;index" json:"order_id"` // 支付网关订单号，验证回调时用于查找
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
