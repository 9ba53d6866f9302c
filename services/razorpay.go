package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Razorpay订单接口限制：receipt字段最长40字节
const maxReceiptLength = 40

type RazorpayConfig struct {
	// 开发者配置
	KeyID     string
	KeySecret string

	// API配置
	APIURL string // Razorpay接口地址，如：https://api.razorpay.com
}

// RazorpayService Razorpay支付网关服务
type RazorpayService struct {
	config     RazorpayConfig
	httpClient *http.Client
}

func NewRazorpayService(config RazorpayConfig) *RazorpayService {
	// 创建HTTP客户端连接池
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			MaxConnsPerHost:       100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 30 * time.Second,
	}

	return &RazorpayService{
		config:     config,
		httpClient: httpClient,
	}
}

// Config 获取当前网关配置
func (rs *RazorpayService) Config() RazorpayConfig {
	return rs.config
}

// buildReceipt 生成商户侧收据号：前缀+用户名+毫秒时间戳，超长截断到40字节
func buildReceipt(username string, now time.Time) string {
	receipt := fmt.Sprintf("receipt_%s_%d", username, now.UnixMilli())
	if len(receipt) > maxReceiptLength {
		receipt = receipt[:maxReceiptLength]
	}
	return receipt
}

// CreateOrder 在Razorpay创建支付订单，返回网关订单号
func (rs *RazorpayService) CreateOrder(amount float64, username string) (string, error) {
	// 金额转换为最小货币单位（派萨），四舍五入避免截断问题，至少为1
	totalAmount := int64(math.Round(amount * 100))
	if totalAmount < 1 {
		totalAmount = 1
	}

	// 构建订单请求参数（payment_capture=1表示支付后立即捕获）
	params := map[string]interface{}{
		"amount":          totalAmount,
		"currency":        "INR",
		"receipt":         buildReceipt(username, time.Now()),
		"payment_capture": 1,
	}

	jsonParams, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal params: %v", err)
	}

	// 构建请求URL
	url := fmt.Sprintf("%s/v1/orders", rs.config.APIURL)

	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonParams))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %v", err)
	}

	// 设置请求头，Razorpay使用key_id/key_secret做Basic认证
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(rs.config.KeyID, rs.config.KeySecret)

	// 发送请求
	resp, err := rs.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	// 读取响应内容
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %v", err)
	}

	// 解析响应
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %v, response body: %s", err, body)
	}

	// 处理业务错误响应
	if errData, ok := result["error"].(map[string]interface{}); ok {
		errMsg := "unknown error"
		if desc, ok := errData["description"].(string); ok && desc != "" {
			errMsg = desc
		}
		return "", fmt.Errorf("create order failed: %s, response: %s", errMsg, body)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create order failed with status %d, response: %s", resp.StatusCode, body)
	}

	// 提取网关订单号
	orderID, ok := result["id"].(string)
	if ok && orderID != "" {
		return orderID, nil
	}

	return "", fmt.Errorf("missing order id in response: %s", body)
}

// VerifyPaymentSignature 验证支付回调签名
// 规则：HMAC-SHA256(secret, "orderCreationId|razorpayPaymentId")的十六进制值须等于回调携带的签名
func (rs *RazorpayService) VerifyPaymentSignature(orderCreationID, paymentID, signature string) bool {
	mac := hmac.New(sha256.New, []byte(rs.config.KeySecret))
	mac.Write([]byte(fmt.Sprintf("%s|%s", orderCreationID, paymentID)))
	digest := hex.EncodeToString(mac.Sum(nil))

	// 使用常数时间比较，避免时序侧信道
	return hmac.Equal([]byte(digest), []byte(signature))
}
