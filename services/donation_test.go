package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/donateme/donation-api/models"
	"github.com/donateme/donation-api/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB 初始化内存数据库，每个测试用例独立一份
func setupTestDB(t *testing.T) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Transaction{}))

	utils.DB = db
}

// stubMailer 记录邮件发送调用，可注入失败
type stubMailer struct {
	sent    []string
	sendErr error
}

func (m *stubMailer) SendDonationConfirmation(username, email string, amount float64) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, email)
	return nil
}

// newFakeGateway 伪造Razorpay订单接口，按次序返回递增的订单号
func newFakeGateway(t *testing.T) *RazorpayService {
	t.Helper()

	counter := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": fmt.Sprintf("order_test%03d", counter),
		})
	}))
	t.Cleanup(server.Close)

	return NewRazorpayService(RazorpayConfig{
		KeyID:     "rzp_test_key",
		KeySecret: "rzp_test_secret",
		APIURL:    server.URL,
	})
}

func TestProcessDonationFirstTime(t *testing.T) {
	setupTestDB(t)
	rs := newFakeGateway(t)
	mailer := &stubMailer{}
	ds := NewDonationService(rs, mailer)

	orderID, err := ds.ProcessDonation("ann", "ann@x.com", 50)
	require.NoError(t, err)
	assert.Equal(t, "order_test001", orderID)

	// 首次捐款创建唯一用户，累计金额等于本次捐款
	var user models.User
	require.NoError(t, utils.DB.Where("email = ?", "ann@x.com").First(&user).Error)
	assert.Equal(t, "ann", user.Username)
	assert.Equal(t, 50.0, user.Amount)

	var transactions []models.Transaction
	require.NoError(t, utils.DB.Find(&transactions).Error)
	require.Len(t, transactions, 1)
	assert.Equal(t, user.ID, transactions[0].SenderID)
	assert.Equal(t, 50.0, transactions[0].Amount)
	assert.Equal(t, models.StatusAwaitingPayment, transactions[0].Status)
	assert.Equal(t, orderID, transactions[0].OrderID)

	assert.Equal(t, []string{"ann@x.com"}, mailer.sent)
}

func TestProcessDonationRepeat(t *testing.T) {
	setupTestDB(t)
	rs := newFakeGateway(t)
	ds := NewDonationService(rs, &stubMailer{})

	_, err := ds.ProcessDonation("ann", "ann@x.com", 50)
	require.NoError(t, err)
	_, err = ds.ProcessDonation("ann", "ann@x.com", 50)
	require.NoError(t, err)

	// 同一邮箱重复捐款只累加金额，不新建用户
	var users []models.User
	require.NoError(t, utils.DB.Find(&users).Error)
	require.Len(t, users, 1)
	assert.Equal(t, 100.0, users[0].Amount)

	var count int64
	require.NoError(t, utils.DB.Model(&models.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestProcessDonationGatewayFailure(t *testing.T) {
	setupTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"description": "gateway unavailable"},
		})
	}))
	defer server.Close()

	rs := NewRazorpayService(RazorpayConfig{KeyID: "k", KeySecret: "s", APIURL: server.URL})
	mailer := &stubMailer{}
	ds := NewDonationService(rs, mailer)

	_, err := ds.ProcessDonation("ann", "ann@x.com", 50)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderCreation))

	// 网关下单失败时不得留下任何用户或交易记录
	var userCount, txCount int64
	utils.DB.Model(&models.User{}).Count(&userCount)
	utils.DB.Model(&models.Transaction{}).Count(&txCount)
	assert.Equal(t, int64(0), userCount)
	assert.Equal(t, int64(0), txCount)
	assert.Empty(t, mailer.sent)
}

func TestProcessDonationMailFailureIgnored(t *testing.T) {
	setupTestDB(t)
	rs := newFakeGateway(t)
	mailer := &stubMailer{sendErr: errors.New("smtp down")}
	ds := NewDonationService(rs, mailer)

	// 邮件失败不影响捐款结果
	orderID, err := ds.ProcessDonation("ann", "ann@x.com", 50)
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)
}

func TestVerifyPayment(t *testing.T) {
	setupTestDB(t)
	rs := newFakeGateway(t)
	ds := NewDonationService(rs, &stubMailer{})

	orderID, err := ds.ProcessDonation("ann", "ann@x.com", 50)
	require.NoError(t, err)

	// 再放一笔无关交易，验证只有匹配订单号的交易被更新
	otherID, err := ds.ProcessDonation("bob", "bob@x.com", 20)
	require.NoError(t, err)

	signature := signPayload("rzp_test_secret", orderID, "pay_123")
	transaction, err := ds.VerifyPayment(orderID, "pay_123", orderID, signature)
	require.NoError(t, err)
	require.NotNil(t, transaction)
	assert.Equal(t, models.StatusCompleted, transaction.Status)
	assert.Equal(t, "ann", transaction.Sender.Username)

	var stored models.Transaction
	require.NoError(t, utils.DB.Where("order_id = ?", orderID).First(&stored).Error)
	assert.Equal(t, models.StatusCompleted, stored.Status)

	var other models.Transaction
	require.NoError(t, utils.DB.Where("order_id = ?", otherID).First(&other).Error)
	assert.Equal(t, models.StatusAwaitingPayment, other.Status)
}

func TestVerifyPaymentTamperedSignature(t *testing.T) {
	setupTestDB(t)
	rs := newFakeGateway(t)
	ds := NewDonationService(rs, &stubMailer{})

	orderID, err := ds.ProcessDonation("ann", "ann@x.com", 50)
	require.NoError(t, err)

	signature := signPayload("rzp_test_secret", orderID, "pay_123")
	tampered := "f" + signature[1:]
	if tampered == signature {
		tampered = "0" + signature[1:]
	}

	_, err = ds.VerifyPayment(orderID, "pay_123", orderID, tampered)
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	// 签名不合法时交易状态不得变化
	var stored models.Transaction
	require.NoError(t, utils.DB.Where("order_id = ?", orderID).First(&stored).Error)
	assert.Equal(t, models.StatusAwaitingPayment, stored.Status)
}

func TestVerifyPaymentUnknownOrder(t *testing.T) {
	setupTestDB(t)
	rs := newFakeGateway(t)
	ds := NewDonationService(rs, &stubMailer{})

	// 签名合法但没有匹配的交易：不报错也不修改任何记录
	signature := signPayload("rzp_test_secret", "order_missing", "pay_123")
	transaction, err := ds.VerifyPayment("order_missing", "pay_123", "order_missing", signature)
	require.NoError(t, err)
	assert.Nil(t, transaction)
}

func TestVerifyPaymentIdempotent(t *testing.T) {
	setupTestDB(t)
	rs := newFakeGateway(t)
	ds := NewDonationService(rs, &stubMailer{})

	orderID, err := ds.ProcessDonation("ann", "ann@x.com", 50)
	require.NoError(t, err)

	signature := signPayload("rzp_test_secret", orderID, "pay_123")
	_, err = ds.VerifyPayment(orderID, "pay_123", orderID, signature)
	require.NoError(t, err)

	// 重复回调直接返回成功
	transaction, err := ds.VerifyPayment(orderID, "pay_123", orderID, signature)
	require.NoError(t, err)
	require.NotNil(t, transaction)
	assert.Equal(t, models.StatusCompleted, transaction.Status)
}

func TestGetRankings(t *testing.T) {
	setupTestDB(t)
	rs := newFakeGateway(t)
	ds := NewDonationService(rs, &stubMailer{})

	_, err := ds.ProcessDonation("ann", "ann@x.com", 50)
	require.NoError(t, err)
	_, err = ds.ProcessDonation("bob", "bob@x.com", 200)
	require.NoError(t, err)
	_, err = ds.ProcessDonation("eve", "eve@x.com", 100)
	require.NoError(t, err)

	rankings, err := ds.GetRankings(2, 0)
	require.NoError(t, err)
	require.Len(t, rankings, 2)
	assert.Equal(t, "bob", rankings[0].Username)
	assert.Equal(t, 200.0, rankings[0].Amount)
	assert.Equal(t, "eve", rankings[1].Username)
}
