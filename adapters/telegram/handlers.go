package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/qikezhang/opencode-on-im/core"
	"github.com/qikezhang/opencode-on-im/internal/telegramutil"
)

const helpText = `*命令列表*

/start \- 开始使用
/help \- 显示帮助
/status \- 当前实例状态
/list \- 列出所有绑定实例
/switch \<name\> \- 切换活跃实例
/unbind \<name\> \- 解绑实例
/reset\-qr \- 重新生成二维码
/sessions \- 列出后端会话
/cancel \- 取消当前任务`

func (a *Adapter) handleMessage(ctx context.Context, msg *botMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	userID := strconv.FormatInt(msg.From.ID, 10)

	a.logger.Debug("telegram_message_received",
		"user_id", userID,
		"from", displayName(msg.From),
		"text_len", len(text))

	if strings.HasPrefix(text, "/") {
		a.handleCommand(ctx, chatID, userID, text)
		return
	}
	if strings.HasPrefix(text, "eyJ") {
		a.handleQRBind(ctx, chatID, userID, text)
		return
	}
	a.relayMessage(ctx, chatID, userID, text)
}

func (a *Adapter) handleCommand(ctx context.Context, chatID int64, userID, text string) {
	cmd, args := splitCommand(text)
	switch cmd {
	case "/start":
		a.cmdStart(ctx, chatID, userID)
	case "/help":
		a.reply(ctx, chatID, helpText)
	case "/status":
		a.cmdStatus(ctx, chatID, userID)
	case "/list":
		a.cmdList(ctx, chatID, userID)
	case "/switch":
		a.cmdSwitch(ctx, chatID, userID, args)
	case "/unbind":
		a.cmdUnbind(ctx, chatID, userID, args)
	case "/reset-qr", "/reset_qr":
		a.cmdResetQR(ctx, chatID, userID)
	case "/sessions":
		a.cmdSessions(ctx, chatID)
	case "/cancel":
		a.cmdCancel(ctx, chatID, userID)
	default:
		a.reply(ctx, chatID, "未知命令，使用 /help 查看命令列表")
	}
}

func (a *Adapter) cmdStart(ctx context.Context, chatID int64, userID string) {
	instances, err := a.sessions.UserInstances(ctx, platformName, userID)
	if err != nil {
		a.logger.Error("user_instances_failed", "user_id", userID, "error", err)
		a.reply(ctx, chatID, "内部错误，请稍后重试")
		return
	}
	if len(instances) == 0 {
		a.reply(ctx, chatID, "欢迎使用 OpenCode\\-on\\-IM\\!\n\n"+
			"请扫描 OpenCode 实例生成的二维码进行绑定\\。\n"+
			"或者发送二维码内容进行绑定\\。")
		return
	}

	var b strings.Builder
	b.WriteString("欢迎回来\\! 你已绑定的实例:\n")
	for _, id := range instances {
		if inst := a.registry.GetInstance(id); inst != nil {
			fmt.Fprintf(&b, "• %s\n", telegramutil.FormatInlineCode(inst.Name))
			a.router.RegisterOnline(id, platformName, userID)
		}
	}
	b.WriteString("\n使用 /help 查看命令列表")
	a.reply(ctx, chatID, b.String())
	a.flushOfflineMessages(ctx, chatID, userID)
}

func (a *Adapter) cmdStatus(ctx context.Context, chatID int64, userID string) {
	instances, err := a.sessions.UserInstances(ctx, platformName, userID)
	if err != nil || len(instances) == 0 {
		a.reply(ctx, chatID, "未绑定任何实例\\。请先扫描二维码绑定\\。")
		return
	}

	var b strings.Builder
	b.WriteString("*实例状态*\n")
	if a.client.IsAvailable(ctx) {
		b.WriteString("\n后端: ✅ 在线\n")
	} else {
		b.WriteString("\n后端: ❌ 不可用\n")
	}
	exclude := &core.UserKey{Platform: platformName, UserID: userID}
	for _, id := range instances {
		inst := a.registry.GetInstance(id)
		if inst == nil {
			continue
		}
		fmt.Fprintf(&b, "\n📦 %s\n", telegramutil.FormatInlineCode(inst.Name))
		if status := a.router.FormatOnlineStatus(id, exclude); status != "" {
			fmt.Fprintf(&b, "   %s\n", telegramutil.EscapeMarkdownV2(status))
		}
	}
	a.reply(ctx, chatID, b.String())
}

func (a *Adapter) cmdList(ctx context.Context, chatID int64, userID string) {
	instances, err := a.sessions.UserInstances(ctx, platformName, userID)
	if err != nil || len(instances) == 0 {
		a.reply(ctx, chatID, "未绑定任何实例\\。")
		return
	}

	var b strings.Builder
	b.WriteString("*已绑定实例*\n")
	for _, id := range instances {
		if inst := a.registry.GetInstance(id); inst != nil {
			short := id
			if len(short) > 8 {
				short = short[:8]
			}
			fmt.Fprintf(&b, "• %s \\(%s\\)\n",
				telegramutil.FormatInlineCode(inst.Name),
				telegramutil.EscapeMarkdownV2(short))
		}
	}
	a.reply(ctx, chatID, b.String())
}

// cmdSwitch makes the named instance the active one by re-binding it,
// which moves it to the end of the user's binding order.
func (a *Adapter) cmdSwitch(ctx context.Context, chatID int64, userID, args string) {
	name := strings.TrimSpace(args)
	if name == "" {
		a.reply(ctx, chatID, "用法: /switch \\<instance\\-name\\>")
		return
	}
	inst := a.registry.GetInstanceByName(name)
	if inst == nil {
		a.reply(ctx, chatID, fmt.Sprintf("实例 %s 不存在", telegramutil.FormatInlineCode(name)))
		return
	}
	bound, err := a.sessions.UserInstances(ctx, platformName, userID)
	if err != nil || !containsString(bound, inst.ID) {
		a.reply(ctx, chatID, fmt.Sprintf("你未绑定实例 %s", telegramutil.FormatInlineCode(name)))
		return
	}
	if _, err := a.sessions.Unbind(ctx, platformName, userID, inst.ID); err != nil {
		a.logger.Error("switch_unbind_failed", "error", err)
	}
	if err := a.sessions.Bind(ctx, platformName, userID, inst.ID); err != nil {
		a.logger.Error("switch_bind_failed", "error", err)
		a.reply(ctx, chatID, "切换失败，请稍后重试")
		return
	}
	a.reply(ctx, chatID, fmt.Sprintf("已切换到实例: %s", telegramutil.FormatInlineCode(name)))
}

func (a *Adapter) cmdUnbind(ctx context.Context, chatID int64, userID, args string) {
	name := strings.TrimSpace(args)
	if name == "" {
		a.reply(ctx, chatID, "用法: /unbind \\<instance\\-name\\>")
		return
	}
	inst := a.registry.GetInstanceByName(name)
	if inst == nil {
		a.reply(ctx, chatID, fmt.Sprintf("实例 %s 不存在", telegramutil.FormatInlineCode(name)))
		return
	}
	removed, err := a.sessions.Unbind(ctx, platformName, userID, inst.ID)
	if err != nil {
		a.logger.Error("unbind_failed", "error", err)
		a.reply(ctx, chatID, "解绑失败，请稍后重试")
		return
	}
	if !removed {
		a.reply(ctx, chatID, fmt.Sprintf("你未绑定实例 %s", telegramutil.FormatInlineCode(name)))
		return
	}
	a.router.UnregisterOnline(inst.ID, platformName, userID)
	a.reply(ctx, chatID, fmt.Sprintf("已解绑实例 %s", telegramutil.FormatInlineCode(name)))
}

func (a *Adapter) cmdResetQR(ctx context.Context, chatID int64, userID string) {
	inst := a.activeInstance(ctx, chatID, userID)
	if inst == nil {
		return
	}
	reset, err := a.registry.ResetQR(inst.ID)
	if err != nil {
		a.logger.Error("reset_qr_failed", "instance_id", inst.ID, "error", err)
		a.reply(ctx, chatID, "重置失败，请稍后重试")
		return
	}
	data, err := a.registry.GenerateQRData(reset)
	if err != nil {
		a.logger.Error("qr_data_failed", "instance_id", inst.ID, "error", err)
		a.reply(ctx, chatID, "重置失败，请稍后重试")
		return
	}
	a.reply(ctx, chatID, "二维码已重置，旧二维码已失效\\。新的绑定内容:\n"+
		telegramutil.FormatCodeBlock(data, ""))
}

func (a *Adapter) cmdSessions(ctx context.Context, chatID int64) {
	sessions, err := a.client.ListSessions(ctx)
	if err != nil {
		a.logger.Error("list_sessions_failed", "error", err)
		a.reply(ctx, chatID, "获取会话列表失败")
		return
	}
	if len(sessions) == 0 {
		a.reply(ctx, chatID, "后端没有会话")
		return
	}
	var b strings.Builder
	b.WriteString("*后端会话*\n")
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "• %s %s\n",
			telegramutil.FormatInlineCode(s.ID),
			telegramutil.EscapeMarkdownV2(title))
	}
	a.reply(ctx, chatID, b.String())
}

func (a *Adapter) cmdCancel(ctx context.Context, chatID int64, userID string) {
	inst := a.activeInstance(ctx, chatID, userID)
	if inst == nil {
		return
	}
	if inst.SessionID == "" {
		a.reply(ctx, chatID, "当前实例没有进行中的会话")
		return
	}
	if err := a.client.AbortTask(ctx, inst.SessionID); err != nil {
		a.logger.Error("abort_task_failed", "session_id", inst.SessionID, "error", err)
		a.reply(ctx, chatID, "取消请求发送失败")
		return
	}
	a.reply(ctx, chatID, "已发送取消请求")
}

func (a *Adapter) handleQRBind(ctx context.Context, chatID int64, userID, text string) {
	payload, err := core.ParseQRData(text)
	if err != nil {
		a.logger.Warn("qr_bind_failed", "user_id", userID, "error", err)
		a.reply(ctx, chatID, "绑定失败，请检查二维码")
		return
	}
	if !a.registry.VerifyConnectSecret(payload.InstanceID, payload.ConnectSecret) {
		a.reply(ctx, chatID, "二维码无效或已过期")
		return
	}
	if err := a.sessions.Bind(ctx, platformName, userID, payload.InstanceID); err != nil {
		a.logger.Error("bind_failed", "user_id", userID, "error", err)
		a.reply(ctx, chatID, "绑定失败，请稍后重试")
		return
	}
	a.router.RegisterOnline(payload.InstanceID, platformName, userID)

	name := payload.InstanceID
	if inst := a.registry.GetInstance(payload.InstanceID); inst != nil {
		name = inst.Name
	}
	a.reply(ctx, chatID, fmt.Sprintf("绑定成功\\! 实例: %s", telegramutil.FormatInlineCode(name)))
	a.flushOfflineMessages(ctx, chatID, userID)
}

// relayMessage forwards user text to the active instance's backend
// session and replies with the assistant's answer.
func (a *Adapter) relayMessage(ctx context.Context, chatID int64, userID, text string) {
	inst := a.activeInstance(ctx, chatID, userID)
	if inst == nil {
		return
	}
	if err := a.sessions.UpdateLastActive(ctx, platformName, userID); err != nil {
		a.logger.Warn("update_last_active_failed", "user_id", userID, "error", err)
	}

	sessionID := inst.SessionID
	if sessionID == "" {
		session, err := a.client.CreateSession(ctx, "Telegram:"+inst.Name)
		if err != nil {
			a.logger.Error("create_session_failed", "instance_id", inst.ID, "error", err)
			a.reply(ctx, chatID, "创建后端会话失败")
			return
		}
		sessionID = session.ID
		if err := a.registry.SetSession(inst.ID, sessionID); err != nil {
			a.logger.Error("set_session_failed", "instance_id", inst.ID, "error", err)
		}
	}

	response, err := a.client.SendMessage(ctx, sessionID, text, nil, nil)
	if err != nil {
		a.logger.Error("send_message_failed", "session_id", sessionID, "error", err)
		a.reply(ctx, chatID, "消息发送失败: "+telegramutil.EscapeMarkdownV2(err.Error()))
		return
	}

	answer := strings.TrimSpace(response.Text())
	if answer == "" {
		a.reply(ctx, chatID, "\\(no response\\)")
		return
	}
	a.reply(ctx, chatID, FormatContent(answer))
}

// activeInstance resolves the user's most recently bound instance,
// replying with guidance when there is none.
func (a *Adapter) activeInstance(ctx context.Context, chatID int64, userID string) *core.Instance {
	instances, err := a.sessions.UserInstances(ctx, platformName, userID)
	if err != nil {
		a.logger.Error("user_instances_failed", "user_id", userID, "error", err)
		a.reply(ctx, chatID, "内部错误，请稍后重试")
		return nil
	}
	if len(instances) == 0 {
		a.reply(ctx, chatID, "请先绑定实例后再发送消息")
		return nil
	}
	inst := a.registry.GetInstance(instances[len(instances)-1])
	if inst == nil {
		a.reply(ctx, chatID, "实例不存在或已被删除，请重新绑定")
		return nil
	}
	return inst
}

func (a *Adapter) flushOfflineMessages(ctx context.Context, chatID int64, userID string) {
	messages, err := a.sessions.TakeOfflineMessages(ctx, platformName, userID)
	if err != nil {
		a.logger.Error("take_offline_messages_failed", "user_id", userID, "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "*离线消息* \\(%d 条\\)\n", len(messages))
	for _, m := range messages {
		fmt.Fprintf(&b, "\n%s\n", telegramutil.EscapeMarkdownV2(m.Content))
	}
	a.reply(ctx, chatID, b.String())
}

func splitCommand(text string) (string, string) {
	fields := strings.SplitN(text, " ", 2)
	cmd := strings.ToLower(strings.TrimSpace(fields[0]))
	// Strip the @botname suffix Telegram appends in some clients.
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	if len(fields) == 1 {
		return cmd, ""
	}
	return cmd, strings.TrimSpace(fields[1])
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
