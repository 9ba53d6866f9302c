package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/donateme/donation-api/models"
	"github.com/donateme/donation-api/services"
	"github.com/donateme/donation-api/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

type APIRoutes struct {
	donationService *services.DonationService
	// WebSocket相关
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.Mutex
}

func NewAPIRoutes(donationService *services.DonationService) *APIRoutes {
	ar := &APIRoutes{
		donationService: donationService,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源的WebSocket连接
			},
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}

	// 启动WebSocket处理协程
	go ar.runWebSocketServer()

	return ar
}

// SetupRoutes 设置路由
func (ar *APIRoutes) SetupRoutes(router *gin.Engine) {
	donate := router.Group("/donate")
	{
		donate.GET("/", ar.Message)                      // 存活检查
		donate.POST("/", ar.CreateDonation)              // 创建捐款
		donate.POST("/verify-payment", ar.VerifyPayment) // 支付回调验证
		donate.GET("/rankings", ar.GetRankings)          // 捐款排行榜
	}

	// WebSocket路由，实时推送已完成的捐款
	router.GET("/ws", ar.WebSocketHandler)

	// 生成捐款入口二维码
	router.GET("/qrcode", ar.GenerateQRCode)

	// 首页
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Hello World")
	})
}

// Message 存活检查
func (ar *APIRoutes) Message(c *gin.Context) {
	c.String(http.StatusOK, "Donation API is working")
}

// validationMessage 提取第一个未通过的校验规则，返回指明字段的提示信息
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return fmt.Sprintf("%s is required", field)
		case "min":
			return fmt.Sprintf("%s length must be at least %s characters long", field, fe.Param())
		case "max":
			return fmt.Sprintf("%s length must be less than or equal to %s characters long", field, fe.Param())
		case "email":
			return fmt.Sprintf("%s must be a valid email", field)
		case "gte":
			return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
		}
		return fmt.Sprintf("%s is invalid", field)
	}
	return err.Error()
}

// CreateDonation 创建捐款订单
func (ar *APIRoutes) CreateDonation(c *gin.Context) {
	// 创建带超时的上下文，设置15秒超时
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	// 使用超时上下文替换原请求上下文
	c.Request = c.Request.WithContext(ctx)

	var req struct {
		Username string  `json:"username" binding:"required,min=3,max=30"`
		Email    string  `json:"email" binding:"required,email"`
		Amount   float64 `json:"amount" binding:"required,gte=1"`
		Token    string  `json:"token"` // 预留字段，下游暂未使用
	}

	// 校验必须在任何副作用之前执行
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": validationMessage(err)})
		return
	}

	// 使用goroutine和channel处理超时
	type result struct {
		orderID string
		err     error
	}

	resultChan := make(chan result, 1)

	go func() {
		orderID, err := ar.donationService.ProcessDonation(req.Username, req.Email, req.Amount)
		resultChan <- result{orderID, err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			log.Printf("Donation failed for %s: %v", req.Email, res.err)
			// 区分网关下单失败、邮箱冲突和其他持久化失败
			switch {
			case errors.Is(res.err, services.ErrOrderCreation):
				c.JSON(http.StatusInternalServerError, gin.H{"message": "Error creating Razorpay order"})
			case errors.Is(res.err, gorm.ErrDuplicatedKey):
				c.JSON(http.StatusInternalServerError, gin.H{"message": "Email already exists"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"message": "Donation failed"})
			}
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"message": "Donation successful",
			"orderId": res.orderID,
		})
	case <-ctx.Done():
		c.JSON(http.StatusRequestTimeout, gin.H{"message": "request timed out, please try again later"})
		return
	}
}

// VerifyPayment 验证支付回调签名并更新交易状态
func (ar *APIRoutes) VerifyPayment(c *gin.Context) {
	var req struct {
		OrderCreationID   string `json:"orderCreationId" binding:"required"`
		RazorpayPaymentID string `json:"razorpayPaymentId" binding:"required"`
		RazorpayOrderID   string `json:"razorpayOrderId" binding:"required"`
		RazorpaySignature string `json:"razorpaySignature" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": validationMessage(err)})
		return
	}

	transaction, err := ar.donationService.VerifyPayment(
		req.OrderCreationID, req.RazorpayPaymentID, req.RazorpayOrderID, req.RazorpaySignature)
	if err != nil {
		if errors.Is(err, services.ErrInvalidSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Transaction not legit!"})
			return
		}
		log.Printf("Payment verification failed for order %s: %v", req.RazorpayOrderID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Payment verification failed"})
		return
	}

	// 广播已完成的捐款记录
	if transaction != nil {
		ar.BroadcastDonation(transaction)
	}

	// 签名合法即返回成功，无论是否找到对应交易
	c.JSON(http.StatusOK, gin.H{
		"message": "Payment successful",
		"orderId": req.RazorpayOrderID,
	})
}

// GetRankings 获取捐款排行榜
func (ar *APIRoutes) GetRankings(c *gin.Context) {
	// 创建带超时的上下文，设置10秒超时
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	// 使用超时上下文替换原请求上下文
	c.Request = c.Request.WithContext(ctx)

	// 解析limit参数，设置默认值和范围校验
	limitStr := c.DefaultQuery("limit", "10")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = 10
	}
	// 限制最大返回数量，防止性能问题
	if limit > 100 {
		limit = 100
	}

	// 解析page参数，设置默认值和范围校验
	pageStr := c.DefaultQuery("page", "1")
	page, err := strconv.Atoi(pageStr)
	if err != nil || page <= 0 {
		page = 1
	}

	// 计算偏移量
	offset := (page - 1) * limit

	// 使用goroutine和channel处理超时
	type result struct {
		rankings []services.RankingItem
		err      error
	}

	resultChan := make(chan result, 1)

	go func() {
		rankings, err := ar.donationService.GetRankings(limit, offset)
		resultChan <- result{rankings, err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": res.err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"rankings": res.rankings,
			"pagination": gin.H{
				"limit":  limit,
				"page":   page,
				"offset": offset,
				"total":  len(res.rankings),
			},
		})
	case <-ctx.Done():
		c.JSON(http.StatusRequestTimeout, gin.H{"message": "request timed out, please try again later"})
		return
	}
}

// GenerateQRCode 生成捐款入口二维码，便于打印在海报上
func (ar *APIRoutes) GenerateQRCode(c *gin.Context) {
	// 获取请求的主机名
	host := c.Request.Host

	// 生成捐款入口URL
	donateURL := fmt.Sprintf("http://%s/donate", host)

	qrBytes, err := utils.GenerateQRCode(donateURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	c.Header("Content-Type", "image/png")
	c.Writer.Write(qrBytes)
}

// runWebSocketServer 运行WebSocket服务器
func (ar *APIRoutes) runWebSocketServer() {
	// 定期清理无效连接的定时器
	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case client := <-ar.register:
			ar.mutex.Lock()
			ar.clients[client] = true
			clientCount := len(ar.clients)
			ar.mutex.Unlock()
			log.Printf("WebSocket client connected, total clients: %d", clientCount)

			// 发送初始数据
			go ar.sendInitialData(client)

		case client := <-ar.unregister:
			ar.mutex.Lock()
			if _, ok := ar.clients[client]; ok {
				delete(ar.clients, client)
				client.Close()
			}
			clientCount := len(ar.clients)
			ar.mutex.Unlock()
			log.Printf("WebSocket client disconnected, total clients: %d", clientCount)

		case message := <-ar.broadcast:
			ar.mutex.Lock()
			for client := range ar.clients {
				// 设置写超时，避免慢客户端阻塞广播
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					log.Printf("Failed to broadcast to client: %v", err)
					client.Close()
					delete(ar.clients, client)
				}
			}
			ar.mutex.Unlock()

		case <-cleanupTicker.C:
			// 定期清理无效连接
			ar.cleanupInvalidConnections()
		}
	}
}

// cleanupInvalidConnections 清理无效的WebSocket连接
func (ar *APIRoutes) cleanupInvalidConnections() {
	ar.mutex.Lock()
	defer ar.mutex.Unlock()

	totalClients := len(ar.clients)
	invalidCount := 0

	for client := range ar.clients {
		// 发送ping消息测试连接是否有效
		if err := client.WriteMessage(websocket.PingMessage, nil); err != nil {
			// 连接无效，关闭并从映射中删除
			client.Close()
			delete(ar.clients, client)
			invalidCount++
		}
	}

	if invalidCount > 0 {
		log.Printf("Cleaned up %d invalid WebSocket connections. Total clients: %d → %d",
			invalidCount, totalClients, len(ar.clients))
	}
}

// sendInitialData 发送初始数据给新连接的客户端
func (ar *APIRoutes) sendInitialData(client *websocket.Conn) {
	// 获取当前排行榜快照
	rankings, err := ar.donationService.GetRankings(50, 0)
	if err != nil {
		log.Printf("Error getting initial rankings: %v", err)
		return
	}

	// 构建初始数据消息
	initialData := map[string]interface{}{
		"type":      "initial_data",
		"rankings":  rankings,
		"timestamp": time.Now().Unix(),
	}

	message, err := json.Marshal(initialData)
	if err != nil {
		log.Printf("Error marshaling initial data: %v", err)
		return
	}

	if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
		log.Printf("Error sending initial data: %v", err)
		client.Close()
		ar.mutex.Lock()
		delete(ar.clients, client)
		ar.mutex.Unlock()
	}
}

// WebSocketHandler 处理WebSocket连接
func (ar *APIRoutes) WebSocketHandler(c *gin.Context) {
	// 升级HTTP连接为WebSocket连接
	conn, err := ar.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Error upgrading to WebSocket: %v", err)
		return
	}

	// 注册新客户端
	ar.register <- conn

	// 处理客户端消息
	for {
		messageType, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		// 忽略客户端发送的消息，只处理服务器推送
		if messageType == websocket.PingMessage {
			if err := conn.WriteMessage(websocket.PongMessage, nil); err != nil {
				break
			}
		}
	}

	// 注销客户端
	ar.unregister <- conn
}

// BroadcastDonation 广播已完成的捐款记录
func (ar *APIRoutes) BroadcastDonation(transaction *models.Transaction) {
	// 构建广播消息
	message := map[string]interface{}{
		"type":      "donation_completed",
		"username":  transaction.Sender.Username,
		"amount":    transaction.Amount,
		"order_id":  transaction.OrderID,
		"timestamp": time.Now().Unix(),
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error marshaling donation data: %v", err)
		return
	}

	// 发送到广播通道，没有监听者时直接丢弃，避免阻塞回调响应
	select {
	case ar.broadcast <- data:
	default:
	}
}
