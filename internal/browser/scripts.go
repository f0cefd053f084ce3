package browser

// In-page scripts evaluated against the web client.
const (
	probeScript = `() => document.readyState`

	artifactScript = `() => JSON.stringify(Object.fromEntries(Object.entries(window.localStorage)))`

	deviceScript = `() => {
  const store = window.Store;
  if (!store || !store.Conn || !store.Conn.wid) return null;
  let name = null;
  try {
    const contact = store.Contact && store.Contact.getContact ? store.Contact.getContact(store.Conn.wid) : null;
    name = contact ? (contact.name || contact.pushname || null) : null;
  } catch (e) {}
  return { phone: store.Conn.wid.user, name: name, platform: store.Conn.platform || 'WhatsApp Web' };
}`

	wsURLScript = `() => {
  try { return window.Store.Stream.stream.websocket._url || ''; } catch (e) { return ''; }
}`

	sendScript = `async ({ chatId, body, media }) => {
  if (!window.WWebJS || !window.WWebJS.sendMessage) {
    return { error: 'send primitive unavailable' };
  }
  let msg;
  if (media) {
    msg = await window.WWebJS.sendMessage(chatId, body || '', {
      media: { data: media.data, mimetype: media.mimetype, filename: media.filename, type: media.type },
      caption: body || undefined,
    });
  } else {
    msg = await window.WWebJS.sendMessage(chatId, body, {});
  }
  if (!msg) return { error: 'no message returned' };
  const id = msg.id ? (msg.id._serialized || msg.id.id || String(msg.id)) : '';
  return { id: id, timestamp: msg.t || msg.timestamp || 0 };
}`
)
