// Package internal 實現了一個即時雙人乒乓對戰伺服器。
//
// 管理對戰會話的完整生命週期：房間創建與配對、玩家加入與重連、
// 固定頻率的物理模擬、以及對戰結果的最佳努力持久化。
//
// 房間生命週期
//
// 每個房間是一台獨立的狀態機：
//   - 等待：湊齊兩名玩家
//   - 準備：雙方送出 ready 後觸發開賽倒數
//   - 對戰：固定頻率 tick 迴圈推進模擬
//   - 暫停：斷線或顯式暫停，迴圈保留但模擬凍結
//   - 結束：自然分出勝負或因棄權提前終局
//
// 斷線與重連
//
// 玩家身份拆成兩層：穩定的 userId 綁定槽位與玩家編號，
// 臨時的 playerId 對應單條連線。對戰中斷線進入有限寬限期，
// 同一 userId 在期內重連可無縫恢復；期滿則判定棄權。
//
// 併發模型
//
// 每個房間一把互斥鎖，遊戲狀態只在持鎖回調中修改（單一寫入者）。
// 房間的 context 樹涵蓋 tick 迴圈、倒數與所有心跳監視器，
// 終結時一次取消；寬限計時器逐槽位追蹤並在同一處停止。
//
// 外部協作者
//
// 對戰紀錄透過 MatchStore 介面寫入 PostgreSQL，所有寫入都是
// fire-and-forget：資料庫故障只記日誌，記憶體中的比分仍是權威。
// 房間清單可選擇性鏡射到 Redis 供外部大廳查詢。
//
// 通訊協議
//
// 客戶端經 WebSocket 收發 JSON 訊息，每則訊息帶 type 欄位。
// 入站：ready、paddleMove、ping、leave。
// 出站涵蓋房間事件（playerJoined、playerLeft、playerReconnected）、
// 對戰流程（countdown、gameStart、gameState、roundStart、gameEnd）
// 與控制訊息（paused、resumed、error、roomFull）。
package internal
