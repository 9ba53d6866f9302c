package services

import (
	"errors"
	"fmt"
	"log"

	"github.com/donateme/donation-api/models"
	"github.com/donateme/donation-api/utils"
	"gorm.io/gorm"
)

var (
	// ErrOrderCreation 网关下单失败
	ErrOrderCreation = errors.New("error creating razorpay order")
	// ErrInvalidSignature 回调签名验证失败
	ErrInvalidSignature = errors.New("invalid payment signature")
)

// DonationService 捐款业务服务
type DonationService struct {
	razorpay *RazorpayService
	mailer   Mailer
}

func NewDonationService(razorpay *RazorpayService, mailer Mailer) *DonationService {
	return &DonationService{
		razorpay: razorpay,
		mailer:   mailer,
	}
}

// ProcessDonation 处理一笔捐款：网关下单、累加用户总额、写交易记录、发确认邮件
// 先创建网关订单，成功后再落库，避免下单失败时留下无支付凭据的记录
func (ds *DonationService) ProcessDonation(username, email string, amount float64) (string, error) {
	orderID, err := ds.razorpay.CreateOrder(amount, username)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOrderCreation, err)
	}

	user, err := ds.upsertDonor(username, email, amount)
	if err != nil {
		return "", err
	}

	// 交易初始状态为awaiting_payment，验证回调通过后才置为completed
	transaction := models.Transaction{
		SenderID: user.ID,
		Amount:   amount,
		Status:   models.StatusAwaitingPayment,
		OrderID:  orderID,
	}
	if err := utils.DB.Create(&transaction).Error; err != nil {
		return "", err
	}

	// 邮件通知尽力而为，失败只记录日志，不影响捐款结果，也不重试
	if err := ds.mailer.SendDonationConfirmation(username, email, amount); err != nil {
		log.Printf("Failed to send confirmation email to %s: %v", email, err)
	} else {
		log.Printf("Confirmation email sent to %s", email)
	}

	return orderID, nil
}

// upsertDonor 按邮箱累加用户捐款总额，用户不存在则创建
// 累加使用单条SQL原子更新，并发下不会丢失更新
func (ds *DonationService) upsertDonor(username, email string, amount float64) (*models.User, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res := utils.DB.Model(&models.User{}).Where("email = ?", email).
			Update("amount", gorm.Expr("amount + ?", amount))
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected > 0 {
			break
		}

		user := models.User{Username: username, Email: email, Amount: amount}
		err := utils.DB.Create(&user).Error
		if err == nil {
			return &user, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		// 并发请求已抢先创建了同邮箱用户，回到累加分支重试
		log.Printf("Donor %s created concurrently, retrying increment", email)
	}

	var user models.User
	if err := utils.DB.Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyPayment 验证支付回调签名并更新交易状态
// 返回更新后的交易记录；签名合法但找不到对应交易时返回nil
func (ds *DonationService) VerifyPayment(orderCreationID, paymentID, orderID, signature string) (*models.Transaction, error) {
	if !ds.razorpay.VerifyPaymentSignature(orderCreationID, paymentID, signature) {
		return nil, ErrInvalidSignature
	}

	var transaction models.Transaction
	if err := utils.DB.Preload("Sender").Where("order_id = ?", orderID).First(&transaction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 签名合法但没有对应交易，不做任何修改
			log.Printf("No transaction found for order %s", orderID)
			return nil, nil
		}
		return nil, err
	}

	// 处理重复回调
	if transaction.Status == models.StatusCompleted {
		return &transaction, nil
	}

	if err := utils.DB.Model(&transaction).Update("status", models.StatusCompleted).Error; err != nil {
		return nil, err
	}
	transaction.Status = models.StatusCompleted

	return &transaction, nil
}

// RankingItem 捐款排行榜条目
type RankingItem struct {
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Amount   float64 `json:"amount"`
}

// GetRankings 获取捐款排行榜，按累计金额降序
func (ds *DonationService) GetRankings(limit int, offset int) ([]RankingItem, error) {
	var rankings []RankingItem
	if err := utils.DB.Model(&models.User{}).
		Select("username, email, amount").
		Order("amount DESC").
		Limit(limit).
		Offset(offset).
		Scan(&rankings).Error; err != nil {
		return nil, err
	}
	return rankings, nil
}
